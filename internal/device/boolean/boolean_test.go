package boolean

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
	"pvloadctl/internal/device"
	"pvloadctl/internal/devstate"
)

func newTestDevice(t *testing.T, mockBus *bus.MockClient, clk clock.Clock) *Device {
	t.Helper()
	cfg := Config{
		Name:                "Pool Pump",
		Priority:            5,
		SwitchEntity:        "switch.pool_pump",
		ConsumptionEntity:   "sensor.pool_pump_power",
		ExpectedConsumption: 1100,
		ChangeTransitionMs:  200 * time.Millisecond,
		TurnOnDebounceMs:    1 * time.Second,
		TurnOffDebounceMs:   1 * time.Second,
	}
	return New(cfg, mockBus, clk, zap.NewNop())
}

func TestBooleanDevice_OffOffersIncreaseOnly(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("switch.pool_pump", "off", nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := newTestDevice(t, mockBus, clk)

	incs := d.IncreaseIncrements()
	require.Len(t, incs, 1)
	assert.Equal(t, 1100.0, incs[0].Delta)
	assert.Empty(t, d.DecreaseIncrements())
}

func TestBooleanDevice_OnOffersDecreaseOnly(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("switch.pool_pump", "on", nil)
	mockBus.SetState("sensor.pool_pump_power", "1050", nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := newTestDevice(t, mockBus, clk)

	assert.Empty(t, d.IncreaseIncrements())
	decs := d.DecreaseIncrements()
	require.Len(t, decs, 1)
	assert.Equal(t, -1050.0, decs[0].Delta)
}

func TestBooleanDevice_IncreaseConsumptionByTurnsOnAndEntersPending(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("switch.pool_pump", "off", nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := newTestDevice(t, mockBus, clk)

	incs := d.IncreaseIncrements()
	require.Len(t, incs, 1)
	require.NoError(t, d.IncreaseConsumptionBy(incs[0]))

	calls := mockBus.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "switch", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)

	st := d.ChangeState()
	assert.Equal(t, devstate.IncreasePending, st.Kind)
	assert.Equal(t, 1100.0, st.ExpectedFutureConsumption)

	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, devstate.Debounce, d.ChangeState().Kind)
	clk.Advance(1 * time.Second)
	assert.True(t, d.ChangeState().IsIdle())
}

func TestBooleanDevice_DecreaseConsumptionByTurnsOff(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("switch.pool_pump", "on", nil)
	mockBus.SetState("sensor.pool_pump_power", "1050", nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := newTestDevice(t, mockBus, clk)

	decs := d.DecreaseIncrements()
	require.Len(t, decs, 1)
	require.NoError(t, d.DecreaseConsumptionBy(decs[0]))

	calls := mockBus.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "turn_off", calls[0].Service)
	assert.Equal(t, devstate.DecreasePending, d.ChangeState().Kind)
}

func TestBooleanDevice_ManagementDisabledOffersNothing(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("switch.pool_pump", "off", nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := newTestDevice(t, mockBus, clk)
	d.BaseControls().SetManagementEnabled(false)

	assert.Empty(t, d.IncreaseIncrements())
}

func TestBooleanDevice_StopResetsAndTurnsOff(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("switch.pool_pump", "on", nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := newTestDevice(t, mockBus, clk)

	require.NoError(t, d.Stop())
	assert.True(t, d.ChangeState().IsIdle())
	calls := mockBus.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "turn_off", calls[0].Service)
}

var _ device.Device = (*Device)(nil)
