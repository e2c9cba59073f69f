package health

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHealthAggregates(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterComponent("store", func() error { return nil })
	hc.RegisterComponent("keys", func() error { return fmt.Errorf("no keys for 1x2: %w", ErrDegraded) })

	h := hc.CheckHealth()
	assert.Equal(t, Degraded, h.OverallStatus)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "keys", h.Components[0].Name)
	assert.Equal(t, Degraded, h.Components[0].Status)
	assert.Equal(t, "OK", h.Components[1].Message)
	assert.Equal(t, "warning", CreateHealthResponse(h).Status)

	hc.RegisterComponent("ledger", func() error { return errors.New("invariant broken") })
	h = hc.CheckHealth()
	assert.Equal(t, Unhealthy, h.OverallStatus)
	assert.Equal(t, "error", CreateHealthResponse(h).Status)
}

func TestUpdateComponentWithoutChecker(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterComponent("prover", nil)
	assert.Equal(t, Healthy, hc.GetHealth().OverallStatus)

	hc.UpdateComponent("prover", Unhealthy, "setup failed")
	h := hc.CheckHealth()
	assert.Equal(t, Unhealthy, h.OverallStatus)
	assert.Equal(t, "setup failed", h.Components[0].Message)

	hc.UpdateComponent("missing", Unhealthy, "ignored")
	assert.Len(t, hc.GetHealth().Components, 1)
	assert.Equal(t, "success", CreateHealthResponse(NewHealthChecker("v").GetHealth()).Status)
}
