package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rotadominios/backend/internal/app"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/database"
)

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return a.DB.RunMigrations(c.log)
			})
		},
	}
}

func (c *cli) dbcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dbcheck",
		Short: "Check the database connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(c.out, "Checking database connection...")
			db, err := database.New(c.cfg.DatabaseDriver, c.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("failed to ping database: %w", err)
			}
			fmt.Fprintln(c.out, "SUCCESS: Database connection OK")
			return nil
		},
	}
}

func (c *cli) cloudflareCommand() *cobra.Command {
	cf := &cobra.Command{
		Use:   "cf",
		Short: "Cloudflare account checks",
	}
	cf.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the API token and list the zones it can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := cloudflare.New(c.cfg.CloudflareAPIToken, cloudflare.WithBaseURL(c.cfg.CloudflareAPIBase))
			ctx := context.Background()
			if err := client.VerifyToken(ctx); err != nil {
				return err
			}
			zones, err := client.ListZones(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Token OK, %d zones\n", len(zones))
			for _, z := range zones {
				fmt.Fprintf(c.out, "  %s\t%s\n", z.ID, z.Name)
			}
			return nil
		},
	})
	return cf
}
