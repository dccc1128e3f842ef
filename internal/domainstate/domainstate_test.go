package domainstate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotadominios/backend/internal/models"
)

var allStatuses = []models.DomainStatus{
	models.StatusPending, models.StatusPropagating, models.StatusLive, models.StatusError,
}

func TestTransition(t *testing.T) {
	legal := map[[2]models.DomainStatus]bool{
		{models.StatusPending, models.StatusPropagating}:     true,
		{models.StatusPropagating, models.StatusPropagating}: true,
		{models.StatusLive, models.StatusPropagating}:        true,
		{models.StatusError, models.StatusPropagating}:       true,
		{models.StatusPropagating, models.StatusLive}:        true,
		{models.StatusLive, models.StatusLive}:               true,
		{models.StatusError, models.StatusLive}:              true,
		{models.StatusPending, models.StatusError}:           true,
		{models.StatusPropagating, models.StatusError}:       true,
		{models.StatusLive, models.StatusError}:              true,
		{models.StatusError, models.StatusError}:             true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			err := Transition(from, to, CauseWorkflowDone)
			if to == models.StatusPending {
				assert.Error(t, err, "%s -> pending without reset", from)
				assert.NoError(t, Transition(from, to, CauseReset), "%s -> pending by reset", from)
				continue
			}
			if legal[[2]models.DomainStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				var te *TransitionError
				require.True(t, errors.As(err, &te), "%s -> %s should be illegal", from, to)
				assert.Equal(t, from, te.From)
			}
		}
	}

	assert.Error(t, Transition("bogus", models.StatusLive, CauseHealth))
}

func TestResetIsIdempotent(t *testing.T) {
	tunnel := uuid.New()
	vps := uuid.New()
	msg := "push_ingress: HTTP 500"
	d := models.Domain{
		ID:              uuid.New(),
		Hostname:        "shop.example.com",
		PublishStrategy: models.StrategyTunnel,
		Status:          models.StatusError,
		Active:          true,
		VPSID:           &vps,
		TunnelID:        &tunnel,
		ErrorMessage:    &msg,
	}

	require.True(t, Reset(&d))
	once := d

	assert.False(t, Reset(&d))
	if diff := cmp.Diff(once, d); diff != "" {
		t.Errorf("second reset changed the domain (-once +twice):\n%s", diff)
	}

	assert.Equal(t, models.StatusPending, d.Status)
	assert.Equal(t, models.StrategyDNS, d.PublishStrategy)
	assert.Nil(t, d.TunnelID)
	assert.Nil(t, d.ErrorMessage)
	assert.Equal(t, &vps, d.VPSID, "reset keeps the VPS assignment")
}

func TestFromHealth(t *testing.T) {
	for _, tt := range []struct {
		name        string
		current     models.DomainStatus
		healthy     bool
		midWorkflow bool
		want        models.DomainStatus
		changed     bool
	}{
		{name: "propagating healthy", current: models.StatusPropagating, healthy: true, want: models.StatusLive, changed: true},
		{name: "error recovers", current: models.StatusError, healthy: true, want: models.StatusLive, changed: true},
		{name: "live stays live", current: models.StatusLive, healthy: true, want: models.StatusLive},
		{name: "live fails", current: models.StatusLive, want: models.StatusError, changed: true},
		{name: "stale propagating fails", current: models.StatusPropagating, want: models.StatusError, changed: true},
		{name: "pending never promoted", current: models.StatusPending, healthy: true, want: models.StatusPending},
		{name: "pending not failed", current: models.StatusPending, want: models.StatusPending},
		{name: "mid workflow untouched", current: models.StatusPropagating, midWorkflow: true, want: models.StatusPropagating},
		{name: "mid workflow healthy untouched", current: models.StatusPropagating, healthy: true, midWorkflow: true, want: models.StatusPropagating},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := FromHealth(tt.current, tt.healthy, tt.midWorkflow)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestParse(t *testing.T) {
	s, err := ParseStatus("live")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLive, s)
	_, err = ParseStatus("down")
	assert.Error(t, err)

	st, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyDNS, st)
	st, err = ParseStrategy("tunnel")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyTunnel, st)
	_, err = ParseStrategy("cname")
	assert.Error(t, err)
}
