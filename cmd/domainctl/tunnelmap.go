package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"rotadominios/backend/internal/app"
	"rotadominios/backend/internal/reconcile"
	"rotadominios/backend/internal/tunnelmap"
)

func (c *cli) tunnelmapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnelmap",
		Short: "Inspect and apply the hostname to tunnel mapping",
	}
	cmd.AddCommand(c.tunnelmapValidateCommand(), c.tunnelmapImportCommand())
	return cmd
}

// loadMapping reads the file named in args, or the configured one.
func (c *cli) loadMapping(args []string) (*tunnelmap.Map, string, error) {
	path := c.cfg.TunnelMapFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, "", fmt.Errorf("no tunnel map file given and TUNNEL_MAP_FILE is unset")
	}
	m, err := tunnelmap.Load(path)
	return m, path, err
}

func (c *cli) tunnelmapValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Parse a tunnel map and print its entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, path, err := c.loadMapping(args)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]interface{}{
				"file":     path,
				"count":    m.Len(),
				"mappings": m.All(),
			})
		},
	}
}

func (c *cli) tunnelmapImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [FILE]",
		Short: "Assign unassigned domains to the VPS running their mapped tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := c.loadMapping(args)
			if err != nil {
				return err
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				rec := reconcile.New(a.Store, a.Agents, a.Resolver, c.log.WithField("component", "reconcile"),
					reconcile.WithMapping(m),
				)
				report, err := rec.ApplyMapping(ctx)
				if perr := c.printJSON(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
