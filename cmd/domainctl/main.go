// Command domainctl drives the publication engine from a shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rotadominios/backend/internal/app"
	"rotadominios/backend/internal/config"
	"rotadominios/backend/internal/logging"
)

type cli struct {
	cfg *config.Config
	log *logrus.Entry
	out io.Writer
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "domainctl",
		Short:         "Publish, check and reconcile domains",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, log
			return nil
		},
	}
	root.SetOut(out)

	root.AddCommand(
		c.migrateCommand(),
		c.dbcheckCommand(),
		c.cloudflareCommand(),
		c.publishCommand(),
		c.resetCommand(),
		c.healthCommand(),
		c.reconcileCommand(),
		c.tunnelmapCommand(),
	)
	return root
}

// withApp builds the engine for one command and closes it afterwards.
func (c *cli) withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(c.cfg, c.log, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
