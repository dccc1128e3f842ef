package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rotadominios/backend/internal/app"
	"rotadominios/backend/internal/reconcile"
)

func (c *cli) reconcileCommand() *cobra.Command {
	var (
		vpsID      string
		candidates []string
		req        reconcile.Request
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare a VPS's Caddy config with the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(vpsID)
			if err != nil {
				return fmt.Errorf("invalid vps id: %w", err)
			}
			req.VPSID = id
			req.Candidates = candidates
			return c.withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.Reconcile(ctx, req)
				if err != nil {
					return err
				}
				return c.printJSON(report)
			})
		},
	}
	cmd.Flags().StringVar(&vpsID, "vps", "", "VPS id")
	cmd.Flags().StringSliceVar(&candidates, "candidates", nil, "extra hostnames to check")
	cmd.Flags().BoolVar(&req.CheckDNS, "check-dns", false, "cross-check CNAMEs against the expected tunnel")
	cmd.Flags().BoolVar(&req.AutoFix, "auto-fix", false, "assign unassigned domain records served by the VPS")
	_ = cmd.MarkFlagRequired("vps")
	return cmd
}
