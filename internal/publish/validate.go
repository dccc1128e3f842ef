package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/store"
)

var serviceSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"tcp":   true,
	"ssh":   true,
	"rdp":   true,
}

// loadErr turns a store lookup failure into a validation error for missing
// rows and an internal error otherwise.
func loadErr(what string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.Validation, "load "+what, "", fmt.Errorf("%s %s: %w", what, id, err))
	}
	return apperr.New(apperr.Internal, "load "+what, apperr.SystemDatabase, err)
}

func (w *Workflow) activeDomain(ctx context.Context, id uuid.UUID) (*models.Domain, string, error) {
	d, err := w.store.GetDomain(ctx, id)
	if err != nil {
		return nil, "", loadErr("domain", id, err)
	}
	if !d.Active {
		return nil, "", apperr.Validationf("domain %s is inactive", d.Hostname)
	}
	root, err := cloudflare.RootDomain(d.Hostname)
	if err != nil {
		return nil, "", apperr.New(apperr.Validation, "derive root domain", "", err)
	}
	return d, root, nil
}

func (w *Workflow) usableTunnel(ctx context.Context, id uuid.UUID) (*models.Tunnel, error) {
	tun, err := w.store.GetTunnel(ctx, id)
	if err != nil {
		return nil, loadErr("tunnel", id, err)
	}
	if tun.CFTunnelID == "" || tun.CFAccountID == "" {
		return nil, apperr.Validationf("tunnel %s has no Cloudflare tunnel or account id", tun.Name)
	}
	return tun, nil
}

// tunnelVPS resolves the server a tunnel domain is hosted on: the domain's
// own assignment, else the server the tunnel runs on.
func (w *Workflow) tunnelVPS(ctx context.Context, d *models.Domain, tun *models.Tunnel) (*models.VPS, error) {
	if d.VPSID != nil {
		v, err := w.store.GetVPS(ctx, *d.VPSID)
		if err != nil {
			return nil, loadErr("vps", *d.VPSID, err)
		}
		return v, nil
	}
	v, err := w.store.GetVPSByTunnel(ctx, tun.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validationf("domain %s has no VPS and no VPS runs tunnel %s", d.Hostname, tun.Name)
	}
	if err != nil {
		return nil, apperr.New(apperr.Internal, "load vps", apperr.SystemDatabase, err)
	}
	return v, nil
}

func validateServiceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.New(apperr.Validation, "parse service url", "", err)
	}
	if !serviceSchemes[u.Scheme] || u.Host == "" {
		return apperr.Validationf("service url %q must be scheme://host[:port] with scheme http, https, tcp, ssh or rdp", raw)
	}
	return nil
}
