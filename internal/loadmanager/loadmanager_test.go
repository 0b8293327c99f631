package loadmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/device"
	"pvloadctl/internal/devstate"
)

// fakeDevice is a minimal, fully-controllable device.Device stub used to
// drive the allocator's selection logic without any real bus wiring.
type fakeDevice struct {
	name        string
	priority    int
	base        *device.BaseControls
	consumption float64
	state       devstate.State
	increase    []device.Increment
	decrease    []device.Increment

	calls []device.Increment // every increment actually applied, in order
}

func newFakeDevice(name string, priority int) *fakeDevice {
	return &fakeDevice{name: name, priority: priority, base: device.NewBaseControls()}
}

func (f *fakeDevice) Name() string                       { return f.name }
func (f *fakeDevice) Priority() int                       { return f.priority }
func (f *fakeDevice) BaseControls() *device.BaseControls  { return f.base }
func (f *fakeDevice) CurrentConsumption() float64         { return f.consumption }
func (f *fakeDevice) ChangeState() devstate.State          { return f.state }
func (f *fakeDevice) IncreaseIncrements() []device.Increment { return f.increase }
func (f *fakeDevice) DecreaseIncrements() []device.Increment { return f.decrease }

func (f *fakeDevice) IncreaseConsumptionBy(inc device.Increment) error {
	f.calls = append(f.calls, inc)
	return nil
}

func (f *fakeDevice) DecreaseConsumptionBy(inc device.Increment) error {
	f.calls = append(f.calls, inc)
	return nil
}

func (f *fakeDevice) Stop() error { return nil }

type fakeAction struct{ delta float64 }

func (a fakeAction) Delta() float64 { return a.delta }

func incsOf(deltas ...float64) []device.Increment {
	out := make([]device.Increment, len(deltas))
	for i, d := range deltas {
		out[i] = device.Increment{Delta: d, Action: fakeAction{delta: d}}
	}
	return out
}

func newTestManager(mockBus *bus.MockClient, devices []device.Device, cfg Config) *Manager {
	cfg.GridRawEntity = "sensor.grid_power"
	cfg.GridMean1MinEntity = "sensor.grid_power_mean_1min"
	return New(cfg, mockBus, devices, zap.NewNop())
}

// TestScenario1_ShedsLowestPriorityFirst reproduces the spec's scenario 1.
func TestScenario1_ShedsLowestPriorityFirst(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "900", nil)
	mockBus.SetState("sensor.grid_power", "900", nil)

	d1 := newFakeDevice("D1", 1)
	d2 := newFakeDevice("D2", 2)
	d2.decrease = incsOf(-80)
	d3 := newFakeDevice("D3", 3)
	d3.decrease = incsOf(-150)

	m := newTestManager(mockBus, []device.Device{d1, d2, d3}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()

	assert.Empty(t, d1.calls)
	require.Len(t, d3.calls, 1)
	assert.Equal(t, -150.0, d3.calls[0].Delta)
	require.Len(t, d2.calls, 1)
	assert.Equal(t, -80.0, d2.calls[0].Delta)
}

// TestScenario2_AddsHighestPriorityFirst reproduces the spec's scenario 2.
func TestScenario2_AddsHighestPriorityFirst(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "100", nil)
	mockBus.SetState("sensor.grid_power", "100", nil)

	d1 := newFakeDevice("D1", 1)
	d1.increase = incsOf(100)
	d2 := newFakeDevice("D2", 2)
	d2.increase = incsOf(80)

	m := newTestManager(mockBus, []device.Device{d1, d2}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()

	require.Len(t, d1.calls, 1)
	assert.Equal(t, 100.0, d1.calls[0].Delta)
	require.Len(t, d2.calls, 1)
	assert.Equal(t, 80.0, d2.calls[0].Delta)
}

// TestScenario3_AddNeverOvershoots reproduces the spec's scenario 3: the
// priority-1 device's increments all exceed the 350 remaining surplus and
// are skipped entirely; only increments that fit are applied.
func TestScenario3_AddNeverOvershoots(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "150", nil)
	mockBus.SetState("sensor.grid_power", "150", nil)

	d1 := newFakeDevice("D1", 1)
	d1.increase = incsOf(700, 1000, 1300)
	d2 := newFakeDevice("D2", 2)
	d2.increase = incsOf(80)
	d3 := newFakeDevice("D3", 3)
	d3.increase = incsOf(50)
	d4 := newFakeDevice("D4", 4)
	d4.increase = incsOf(250)

	m := newTestManager(mockBus, []device.Device{d1, d2, d3, d4}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()

	assert.Empty(t, d1.calls)
	require.Len(t, d2.calls, 1)
	assert.Equal(t, 80.0, d2.calls[0].Delta)
	require.Len(t, d3.calls, 1)
	assert.Equal(t, 50.0, d3.calls[0].Delta)
	assert.Empty(t, d4.calls, "220 remaining after D2+D3 cannot fit D4's +250")
}

// TestScenario4_DisabledDevicePendingContributionIsSkipped reproduces the
// spec's scenario 4: Device1 has a pending increase but management is
// disabled, so its expected-future contribution must not reduce the
// computed surplus.
func TestScenario4_DisabledDevicePendingContributionIsSkipped(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "180", nil)
	mockBus.SetState("sensor.grid_power", "180", nil)

	d1 := newFakeDevice("Device1", 1)
	d1.base.SetManagementEnabled(false)
	d1.consumption = 0
	d1.state = devstate.State{Kind: devstate.IncreasePending, ExpectedFutureConsumption: 100}

	d2 := newFakeDevice("Device2", 2)
	d2.increase = incsOf(80)
	d3 := newFakeDevice("Device3", 3)
	d3.increase = incsOf(240)

	m := newTestManager(mockBus, []device.Device{d1, d2, d3}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()

	assert.Empty(t, d1.calls)
	require.Len(t, d2.calls, 1)
	assert.Equal(t, 80.0, d2.calls[0].Delta)
	require.Len(t, d3.calls, 1)
	assert.Equal(t, 240.0, d3.calls[0].Delta)
}

func TestTick_AbsentGridSensorCallsNoDevice(t *testing.T) {
	mockBus := bus.NewMockClient()
	d1 := newFakeDevice("D1", 1)
	d1.decrease = incsOf(-500)

	m := newTestManager(mockBus, []device.Device{d1}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()
	assert.Empty(t, d1.calls)
}

func TestTick_MeanExactlyAtMaxDoesNotShed(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "800", nil)
	mockBus.SetState("sensor.grid_power", "800", nil)

	d1 := newFakeDevice("D1", 1)
	d1.decrease = incsOf(-500)

	m := newTestManager(mockBus, []device.Device{d1}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()
	assert.Empty(t, d1.calls, "exactly at the max threshold must not trigger a shed")
}

func TestSelectShed_PicksSmallestThatCovers(t *testing.T) {
	decs := incsOf(-150, -80, -30)
	chosen := selectShed(decs, 100)
	assert.Equal(t, -150.0, chosen.Delta, "the smallest increment that still covers 100 is -150")
}

func TestSelectShed_OvershootsWhenNoneFits(t *testing.T) {
	decs := incsOf(-150, -80)
	chosen := selectShed(decs, 50)
	assert.Equal(t, -80.0, chosen.Delta, "no increment fits under 50, so the smallest one that covers it overshoots")
}

func TestSelectShed_ExactFitAtLargest(t *testing.T) {
	decs := incsOf(-150, -80)
	chosen := selectShed(decs, 150)
	assert.Equal(t, -150.0, chosen.Delta)
}

// TestShed_PendingDecreaseWorsensRemaining confirms the open-question
// resolution: a device already mid DECREASE_PENDING contributes
// min(0, expectedFutureConsumption-currentConsumption) (<=0) to the
// expected future reduction, which is subtracted from excess and so
// increases the remaining amount still to be shed from idle devices.
func TestShed_PendingDecreaseWorsensRemaining(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "900", nil)
	mockBus.SetState("sensor.grid_power", "900", nil)

	pending := newFakeDevice("Pending", 1)
	pending.consumption = 1000
	pending.state = devstate.State{Kind: devstate.DecreasePending, ExpectedFutureConsumption: 900}

	idle := newFakeDevice("Idle", 2)
	idle.decrease = incsOf(-500)

	m := newTestManager(mockBus, []device.Device{pending, idle}, Config{
		DesiredGridConsumption:           500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   200,
	})
	m.Tick()

	// excess = 400; expectedAdditionalFutureReduction = min(0, 900-1000) = -100
	// remaining = 400 - (-100) = 500, which the idle device's -500 increment exactly covers.
	require.Len(t, idle.calls, 1)
	assert.Equal(t, -500.0, idle.calls[0].Delta)
}

// TestAdd_UsesConservativeOfMeanAndInstantaneous confirms that when both
// mean and instantaneous grid readings are negative (net export already),
// the load manager uses the less-negative (closer-to-zero, more
// conservative) of the two as max(mean, instantaneous).
func TestAdd_UsesConservativeOfMeanAndInstantaneous(t *testing.T) {
	mockBus := bus.NewMockClient()
	mockBus.SetState("sensor.grid_power_mean_1min", "-300", nil)
	mockBus.SetState("sensor.grid_power", "-600", nil)

	d1 := newFakeDevice("D1", 1)
	d1.increase = incsOf(750, 850)

	m := newTestManager(mockBus, []device.Device{d1}, Config{
		DesiredGridConsumption:           -500,
		MaxConsumptionBeforeSheddingLoad: 800,
		MinConsumptionBeforeAddingLoad:   -200,
	})
	m.Tick()

	// max(-300, -600) = -300; surplus = -500 - (-300) = -200, so remaining is
	// negative and add must be a no-op even though -600 alone would have
	// produced a positive surplus of 100.
	assert.Empty(t, d1.calls)
}

var _ device.Device = (*fakeDevice)(nil)
