package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
)

func newTestSupervisor(mockBus *bus.MockClient, clk clock.Clock) *Supervisor {
	return New(Config{
		PVMean1MinEntity:    "sensor.pv_production_mean_1min",
		EnableSwitchEntity:  "switch.load_management_enabled",
		ActivationThreshold: 500,
		ActivationDelayMs:   15 * time.Minute,
		RecomputeInterval:   time.Minute,
	}, mockBus, clk, zap.NewNop())
}

// TestSupervisor_Scenario5SustainedProductionCommitsAfterDelay reproduces
// the spec's concrete scenario 5: 600W sustained for 10 minutes then 400W
// for 5 minutes does not commit RUNNING; 600W sustained for 15 minutes
// commits RUNNING at t=15min.
func TestSupervisor_Scenario5SustainedProductionCommitsAfterDelay(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.pv_production_mean_1min", "0", nil)
	mockBus.SetState("switch.load_management_enabled", "on", nil)

	clk := clock.NewMockClock(time.Unix(0, 0))
	s := newTestSupervisor(mockBus, clk)
	require.Equal(t, Stopped, s.State())

	mockBus.SetState("sensor.pv_production_mean_1min", "600", nil)
	s.Recompute() // pending target set to Running at t=0
	clk.Advance(10 * time.Minute)
	s.Recompute()
	require.Equal(t, Stopped, s.State(), "10 minutes of production is short of the 15 minute delay")

	mockBus.SetState("sensor.pv_production_mean_1min", "400", nil)
	s.Recompute() // desired reverts to Stopped, clearing the pending timer
	clk.Advance(5 * time.Minute)
	s.Recompute()
	require.Equal(t, Stopped, s.State(), "dip below threshold should reset the pending timer")

	mockBus.SetState("sensor.pv_production_mean_1min", "600", nil)
	s.Recompute() // fresh pending target set to Running at t=15min
	clk.Advance(14 * time.Minute)
	s.Recompute()
	require.Equal(t, Stopped, s.State(), "still short of a fresh 15 minute window")

	clk.Advance(time.Minute)
	s.Recompute()
	assert.Equal(t, Running, s.State(), "15 continuous minutes above threshold should commit RUNNING")
}

func TestSupervisor_EnableSwitchOffKeepsStopped(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.pv_production_mean_1min", "900", nil)
	mockBus.SetState("switch.load_management_enabled", "off", nil)

	clk := clock.NewMockClock(time.Unix(0, 0))
	s := newTestSupervisor(mockBus, clk)

	for i := 0; i < 20; i++ {
		clk.Advance(time.Minute)
		s.Recompute()
	}
	assert.Equal(t, Stopped, s.State())
}

func TestSupervisor_InitialStateIsInstantaneousNoDelay(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.pv_production_mean_1min", "900", nil)
	mockBus.SetState("switch.load_management_enabled", "on", nil)

	clk := clock.NewMockClock(time.Unix(0, 0))
	s := newTestSupervisor(mockBus, clk)
	assert.Equal(t, Running, s.State())
}

func TestSupervisor_NewListenerFiresImmediatelyWithCurrentState(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.pv_production_mean_1min", "900", nil)
	mockBus.SetState("switch.load_management_enabled", "on", nil)

	clk := clock.NewMockClock(time.Unix(0, 0))
	s := newTestSupervisor(mockBus, clk)

	var got []State
	s.AddListener(func(st State) { got = append(got, st) })
	require.Len(t, got, 1)
	assert.Equal(t, Running, got[0])
}

func TestSupervisor_TransitionToStoppedAlsoRequiresDelay(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.pv_production_mean_1min", "900", nil)
	mockBus.SetState("switch.load_management_enabled", "on", nil)

	clk := clock.NewMockClock(time.Unix(0, 0))
	s := newTestSupervisor(mockBus, clk)
	require.Equal(t, Running, s.State())

	mockBus.SetState("sensor.pv_production_mean_1min", "0", nil)
	for i := 0; i < 14; i++ {
		clk.Advance(time.Minute)
		s.Recompute()
	}
	assert.Equal(t, Running, s.State(), "still within the commit delay")

	clk.Advance(2 * time.Minute)
	s.Recompute()
	assert.Equal(t, Stopped, s.State())
}
