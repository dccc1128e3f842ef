package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rotadominios/backend/internal/app"
	"rotadominios/backend/internal/publish"
)

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *cli) publishCommand() *cobra.Command {
	pub := &cobra.Command{
		Use:   "publish",
		Short: "Switch a domain's publication strategy",
	}

	var tunnelID, serviceURL string
	tunnel := &cobra.Command{
		Use:   "tunnel DOMAIN_ID",
		Short: "Publish a domain through a Cloudflare tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs([]string{args[0], tunnelID})
			if err != nil {
				return err
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Workflow.SwitchToTunnel(ctx, publish.TunnelRequest{DomainID: ids[0], TunnelID: ids[1], ServiceURL: serviceURL})
				return c.printResult(res, err)
			})
		},
	}
	tunnel.Flags().StringVar(&tunnelID, "tunnel", "", "tunnel id")
	tunnel.Flags().StringVar(&serviceURL, "service", "", "origin service URL, e.g. http://localhost:3000")
	_ = tunnel.MarkFlagRequired("tunnel")
	_ = tunnel.MarkFlagRequired("service")

	var vpsID string
	var includeWWW, proxied bool
	dns := &cobra.Command{
		Use:   "dns DOMAIN_ID",
		Short: "Publish a domain with A/AAAA records at its VPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			req := publish.DNSRequest{DomainID: ids[0], IncludeWWW: includeWWW, Proxied: proxied}
			if vpsID != "" {
				if req.VPSID, err = uuid.Parse(vpsID); err != nil {
					return fmt.Errorf("invalid vps id: %w", err)
				}
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Workflow.SwitchToDNS(ctx, req)
				return c.printResult(res, err)
			})
		},
	}
	dns.Flags().StringVar(&vpsID, "vps", "", "VPS id (defaults to the domain's VPS)")
	dns.Flags().BoolVar(&includeWWW, "www", false, "also create a www CNAME")
	dns.Flags().BoolVar(&proxied, "proxied", false, "proxy the records through Cloudflare")

	pub.AddCommand(tunnel, dns)
	return pub
}

// printResult prints the workflow result even when it failed.
func (c *cli) printResult(res *publish.Result, err error) error {
	if res != nil && len(res.Steps) > 0 {
		if pErr := c.printJSON(res); pErr != nil {
			return pErr
		}
	}
	return err
}

func (c *cli) resetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset DOMAIN_ID",
		Short: "Reset a domain to pending on dns strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				d, _, err := a.Workflow.Reset(ctx, ids[0])
				if err != nil {
					return err
				}
				return c.printJSON(d)
			})
		},
	}
}

func (c *cli) healthCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "health [DOMAIN_ID...]",
		Short: "Evaluate and record domain health; all active domains when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				if len(ids) == 0 {
					if ids, err = a.Store.ListActiveDomainIDs(ctx); err != nil {
						return err
					}
				}
				return c.printJSON(a.Health.EvaluateBatch(ctx, ids, force))
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the verdict cache")
	return cmd
}
