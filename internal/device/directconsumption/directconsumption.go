// Package directconsumption implements a current-controlled appliance such
// as an EV charger (§4.6): a continuous amperage command, gated by an
// enable switch and a precondition sensor, with a low-current watchdog that
// autonomously disables the device independent of the load manager.
//
// The voltage-scaled ramping and low-current cutoff are grounded on the
// attack/decay and hysteresis shape other_examples/OpenEVSERegulator uses
// for solar-excess EV charging, adapted to this repository's increment
// contract instead of a standalone control loop.
package directconsumption

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
	"pvloadctl/internal/device"
	"pvloadctl/internal/devstate"
	"pvloadctl/internal/numeric"
)

// Config describes one direct-consumption device's wiring and limits.
type Config struct {
	Name     string
	Priority int

	EnableEntity       string // switch.*; on means actively drawing current
	CurrentEntity      string // number.*; the commanded amperage
	PreconditionEntity string // binary_sensor.*; must be "on" to initially enable
	MeasuredCurrentEntity string // sensor.*; actual instantaneous amps drawn
	VoltageEntity      string // sensor.*; grid voltage for watt conversion
	MeasuredPowerEntity string // sensor.*; optional power reading for the stop action's delta

	StartingMinCurrent float64
	MaxCurrent         float64
	CurrentStep        float64

	ChangeTransitionMs time.Duration
	DebounceMs         time.Duration

	StoppingThreshold  float64
	StoppingTimeoutMs  time.Duration

	ReadOnly bool
}

type enableAction struct {
	current float64
	delta   float64
}

func (a enableAction) Delta() float64 { return a.delta }

type setCurrentAction struct {
	current float64
	delta   float64
}

func (a setCurrentAction) Delta() float64 { return a.delta }

type disableAction struct {
	delta float64
}

func (a disableAction) Delta() float64 { return a.delta }

// Device is a current-controlled direct-consumption appliance.
type Device struct {
	cfg    Config
	bus    bus.Client
	clk    clock.Clock
	logger *zap.Logger
	base   *device.BaseControls
	state  *devstate.Machine

	watchdogTimer   clock.Timer
	belowThresholdSince time.Time
	watchdogRunning bool
}

// New constructs a direct-consumption device and starts its low-current
// watchdog.
func New(cfg Config, busClient bus.Client, clk clock.Clock, logger *zap.Logger) *Device {
	d := &Device{
		cfg:    cfg,
		bus:    busClient,
		clk:    clk,
		logger: logger.Named("directconsumption").With(zap.String("device", cfg.Name)),
		base:   device.NewBaseControls(),
		state:  devstate.New(clk),
	}
	d.startWatchdog()
	return d
}

func (d *Device) Name() string                       { return d.cfg.Name }
func (d *Device) Priority() int                      { return d.cfg.Priority }
func (d *Device) BaseControls() *device.BaseControls { return d.base }
func (d *Device) ChangeState() devstate.State        { return d.state.State() }

func (d *Device) readNumber(entity string) (float64, bool) {
	state, err := d.bus.GetState(entity)
	if err != nil {
		return 0, false
	}
	r := numeric.ParseState(state.State)
	if !r.Present() {
		return 0, false
	}
	v, _ := r.Value()
	return v, true
}

func (d *Device) isEnabled() bool {
	state, err := d.bus.GetState(d.cfg.EnableEntity)
	if err != nil {
		return false
	}
	return state.State == "on"
}

func (d *Device) preconditionMet() bool {
	state, err := d.bus.GetState(d.cfg.PreconditionEntity)
	if err != nil {
		return false
	}
	return state.State == "on"
}

func (d *Device) voltage() float64 {
	v, ok := d.readNumber(d.cfg.VoltageEntity)
	if !ok {
		return 0
	}
	return v
}

func (d *Device) currentAmps() float64 {
	v, ok := d.readNumber(d.cfg.CurrentEntity)
	if !ok {
		return 0
	}
	return v
}

// CurrentConsumption returns measured power if available, else amps*volts.
func (d *Device) CurrentConsumption() float64 {
	if d.cfg.MeasuredPowerEntity != "" {
		if v, ok := d.readNumber(d.cfg.MeasuredPowerEntity); ok {
			return v
		}
	}
	return d.currentAmps() * d.voltage()
}

func (d *Device) IncreaseIncrements() []device.Increment {
	if !d.base.ManagementEnabled() {
		return nil
	}
	voltage := d.voltage()
	if voltage <= 0 {
		return nil
	}

	if !d.isEnabled() {
		if !d.preconditionMet() {
			return nil
		}
		delta := d.cfg.StartingMinCurrent * voltage
		return []device.Increment{{Delta: delta, Action: enableAction{current: d.cfg.StartingMinCurrent, delta: delta}}}
	}

	current := d.currentAmps()
	var incs []device.Increment
	maxSteps := int((d.cfg.MaxCurrent - current) / d.cfg.CurrentStep)
	for k := 1; k <= maxSteps; k++ {
		target := current + float64(k)*d.cfg.CurrentStep
		delta := float64(k) * d.cfg.CurrentStep * voltage
		incs = append(incs, device.Increment{Delta: delta, Action: setCurrentAction{current: target, delta: delta}})
	}
	return incs
}

func (d *Device) DecreaseIncrements() []device.Increment {
	if !d.base.ManagementEnabled() || !d.isEnabled() {
		return nil
	}

	voltage := d.voltage()
	current := d.currentAmps()
	var incs []device.Increment

	maxSteps := int((current - d.cfg.StartingMinCurrent) / d.cfg.CurrentStep)
	for k := 1; k <= maxSteps; k++ {
		target := current - float64(k)*d.cfg.CurrentStep
		delta := -float64(k) * d.cfg.CurrentStep * voltage
		incs = append(incs, device.Increment{Delta: delta, Action: setCurrentAction{current: target, delta: delta}})
	}

	if current-d.cfg.CurrentStep < d.cfg.StartingMinCurrent {
		delta := -d.CurrentConsumption()
		incs = append(incs, device.Increment{Delta: delta, Action: disableAction{delta: delta}})
	}

	return incs
}

func (d *Device) IncreaseConsumptionBy(inc device.Increment) error {
	before := d.CurrentConsumption()
	switch action := inc.Action.(type) {
	case enableAction:
		if d.isEnabled() {
			return nil
		}
		if d.cfg.ReadOnly {
			d.logger.Info("READ-ONLY: would enable and set current", zap.Float64("current", action.current))
		} else {
			if err := d.bus.SetSwitch(d.cfg.EnableEntity, true); err != nil {
				return fmt.Errorf("directconsumption device %s: enable failed: %w", d.cfg.Name, err)
			}
			if err := d.bus.SetNumber(d.cfg.CurrentEntity, action.current); err != nil {
				return fmt.Errorf("directconsumption device %s: set current failed: %w", d.cfg.Name, err)
			}
		}
		return d.state.TransitionToPending(devstate.IncreasePending, before+action.delta, d.cfg.ChangeTransitionMs, d.cfg.DebounceMs)
	case setCurrentAction:
		if d.cfg.ReadOnly {
			d.logger.Info("READ-ONLY: would set current", zap.Float64("current", action.current))
		} else if err := d.bus.SetNumber(d.cfg.CurrentEntity, action.current); err != nil {
			return fmt.Errorf("directconsumption device %s: set current failed: %w", d.cfg.Name, err)
		}
		return d.state.TransitionToPending(devstate.IncreasePending, before+action.delta, d.cfg.ChangeTransitionMs, d.cfg.DebounceMs)
	default:
		return fmt.Errorf("directconsumption device %s: increment action not an increase action", d.cfg.Name)
	}
}

func (d *Device) DecreaseConsumptionBy(inc device.Increment) error {
	before := d.CurrentConsumption()
	switch action := inc.Action.(type) {
	case setCurrentAction:
		if d.cfg.ReadOnly {
			d.logger.Info("READ-ONLY: would set current", zap.Float64("current", action.current))
		} else if err := d.bus.SetNumber(d.cfg.CurrentEntity, action.current); err != nil {
			return fmt.Errorf("directconsumption device %s: set current failed: %w", d.cfg.Name, err)
		}
		return d.state.TransitionToPending(devstate.DecreasePending, before+action.delta, d.cfg.ChangeTransitionMs, d.cfg.DebounceMs)
	case disableAction:
		if d.cfg.ReadOnly {
			d.logger.Info("READ-ONLY: would disable")
		} else if err := d.bus.SetSwitch(d.cfg.EnableEntity, false); err != nil {
			return fmt.Errorf("directconsumption device %s: disable failed: %w", d.cfg.Name, err)
		}
		return d.state.TransitionToPending(devstate.DecreasePending, before+action.delta, d.cfg.ChangeTransitionMs, d.cfg.DebounceMs)
	default:
		return fmt.Errorf("directconsumption device %s: increment action not a decrease action", d.cfg.Name)
	}
}

func (d *Device) Stop() error {
	d.state.Reset()
	d.StopWatchdog()
	if d.cfg.ReadOnly {
		d.logger.Info("READ-ONLY: would stop (disable)")
		return nil
	}
	return d.bus.SetSwitch(d.cfg.EnableEntity, false)
}

// startWatchdog schedules the recurring low-current check independent of
// the load manager's tick: if measured current stays at or below
// StoppingThreshold for StoppingTimeoutMs, the device disables itself.
func (d *Device) startWatchdog() {
	d.watchdogRunning = true
	d.scheduleWatchdogCheck()
}

func (d *Device) scheduleWatchdogCheck() {
	if !d.watchdogRunning {
		return
	}
	interval := d.cfg.StoppingTimeoutMs / 4
	if interval <= 0 {
		interval = time.Second
	}
	d.watchdogTimer = d.clk.AfterFunc(interval, d.checkWatchdog)
}

func (d *Device) checkWatchdog() {
	defer d.scheduleWatchdogCheck()

	if !d.isEnabled() {
		d.belowThresholdSince = time.Time{}
		return
	}

	measured, ok := d.readNumber(d.cfg.MeasuredCurrentEntity)
	if !ok || measured > d.cfg.StoppingThreshold {
		d.belowThresholdSince = time.Time{}
		return
	}

	now := d.clk.Now()
	if d.belowThresholdSince.IsZero() {
		d.belowThresholdSince = now
		return
	}

	if d.clk.Since(d.belowThresholdSince) >= d.cfg.StoppingTimeoutMs {
		d.logger.Info("low-current watchdog disabling device", zap.Float64("measured_current", measured))
		d.belowThresholdSince = time.Time{}
		if d.cfg.ReadOnly {
			d.logger.Info("READ-ONLY: would disable via watchdog")
			return
		}
		if err := d.bus.SetSwitch(d.cfg.EnableEntity, false); err != nil {
			d.logger.Error("watchdog disable failed", zap.Error(err))
		}
	}
}

// StopWatchdog halts the recurring low-current check, e.g. at shutdown.
func (d *Device) StopWatchdog() {
	d.watchdogRunning = false
	if d.watchdogTimer != nil {
		d.watchdogTimer.Stop()
		d.watchdogTimer = nil
	}
}
