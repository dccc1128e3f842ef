package publish

import (
	"context"

	"github.com/google/uuid"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/domainstate"
	"rotadominios/backend/internal/models"
)

// Reset puts a domain back to pending on dns strategy without a tunnel. Only
// the database is touched; the VPS assignment is kept. It reports whether the
// row changed.
func (w *Workflow) Reset(ctx context.Context, domainID uuid.UUID) (*models.Domain, bool, error) {
	unlock, err := w.locks.TryLock(domainID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	d, err := w.store.GetDomain(ctx, domainID)
	if err != nil {
		return nil, false, loadErr("domain", domainID, err)
	}
	if !domainstate.Reset(d) {
		return d, false, nil
	}
	if err := w.store.UpdateDomain(ctx, d); err != nil {
		return nil, false, apperr.New(apperr.Internal, "update domain", apperr.SystemDatabase, err)
	}
	w.log.WithFields(map[string]interface{}{"domain_id": d.ID, "hostname": d.Hostname}).Info("domain reset to pending")
	return d, true, nil
}
