// Package boolean implements a simple on/off appliance device (§4.4): a
// single switch entity with one increase increment (turn on) and one
// decrease increment (turn off).
package boolean

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

// Config describes one boolean device's wiring and timing.
type Config struct {
	Name                string
	Priority            int
	SwitchEntity        string
	ConsumptionEntity   string // optional; empty means always use ExpectedConsumption
	ExpectedConsumption float64
	ChangeTransitionMs  time.Duration
	TurnOnDebounceMs    time.Duration
	TurnOffDebounceMs   time.Duration
	ReadOnly            bool
}

// turnOnAction is the sole increase increment's payload.
type turnOnAction struct{ delta float64 }

func (a turnOnAction) Delta() float64 { return a.delta }

// turnOffAction is the sole decrease increment's payload.
type turnOffAction struct{ delta float64 }

func (a turnOffAction) Delta() float64 { return a.delta }

// Device is a boolean on/off appliance.
type Device struct {
	cfg    Config
	bus    bus.Client
	logger *zap.Logger
	base   *device.BaseControls
	state  *devstate.Machine
}

// New constructs a boolean device from its config, bus client, clock and
// logger.
func New(cfg Config, busClient bus.Client, clk clock.Clock, logger *zap.Logger) *Device {
	return &Device{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.Named("boolean").With(zap.String("device", cfg.Name)),
		base:   device.NewBaseControls(),
		state:  devstate.New(clk),
	}
}

func (d *Device) Name() string                       { return d.cfg.Name }
func (d *Device) Priority() int                      { return d.cfg.Priority }
func (d *Device) BaseControls() *device.BaseControls { return d.base }

func (d *Device) isOn() bool {
	state, err := d.bus.GetState(d.cfg.SwitchEntity)
	if err != nil {
		d.logger.Warn("failed to read switch state, assuming off", zap.Error(err))
		return false
	}
	return state.State == "on"
}

// CurrentConsumption returns the measured consumption sensor if configured
// and present, else the configured expected value when on, else zero.
func (d *Device) CurrentConsumption() float64 {
	if d.cfg.ConsumptionEntity != "" {
		if state, err := d.bus.GetState(d.cfg.ConsumptionEntity); err == nil {
			if r := numeric.ParseState(state.State); r.Present() {
				v, _ := r.Value()
				return v
			}
		}
	}
	if d.isOn() {
		return d.cfg.ExpectedConsumption
	}
	return 0
}

func (d *Device) ChangeState() devstate.State { return d.state.State() }

func (d *Device) IncreaseIncrements() []device.Increment {
	if !d.base.ManagementEnabled() || d.isOn() {
		return nil
	}
	return []device.Increment{{
		Delta:  d.cfg.ExpectedConsumption,
		Action: turnOnAction{delta: d.cfg.ExpectedConsumption},
	}}
}

func (d *Device) DecreaseIncrements() []device.Increment {
	if !d.base.ManagementEnabled() || !d.isOn() {
		return nil
	}
	measured := d.CurrentConsumption()
	return []device.Increment{{
		Delta:  -measured,
		Action: turnOffAction{delta: -measured},
	}}
}

func (d *Device) IncreaseConsumptionBy(inc device.Increment) error {
	action, ok := inc.Action.(turnOnAction)
	if !ok {
		return fmt.Errorf("boolean device %s: increment action is not turnOnAction", d.cfg.Name)
	}
	if d.isOn() {
		return nil
	}

	current := d.CurrentConsumption()

	if d.cfg.ReadOnly {
		d.logger.Info("READ-ONLY: would turn on", zap.Float64("delta", action.delta))
	} else if err := d.bus.SetSwitch(d.cfg.SwitchEntity, true); err != nil {
		return fmt.Errorf("boolean device %s: turn on failed: %w", d.cfg.Name, err)
	}

	return d.state.TransitionToPending(
		devstate.IncreasePending,
		current+action.delta,
		d.cfg.ChangeTransitionMs,
		d.cfg.TurnOnDebounceMs,
	)
}

func (d *Device) DecreaseConsumptionBy(inc device.Increment) error {
	action, ok := inc.Action.(turnOffAction)
	if !ok {
		return fmt.Errorf("boolean device %s: increment action is not turnOffAction", d.cfg.Name)
	}
	if !d.isOn() {
		return nil
	}

	current := d.CurrentConsumption()

	if d.cfg.ReadOnly {
		d.logger.Info("READ-ONLY: would turn off", zap.Float64("delta", action.delta))
	} else if err := d.bus.SetSwitch(d.cfg.SwitchEntity, false); err != nil {
		return fmt.Errorf("boolean device %s: turn off failed: %w", d.cfg.Name, err)
	}

	return d.state.TransitionToPending(
		devstate.DecreasePending,
		current+action.delta,
		d.cfg.ChangeTransitionMs,
		d.cfg.TurnOffDebounceMs,
	)
}

func (d *Device) Stop() error {
	d.state.Reset()
	if d.cfg.ReadOnly {
		d.logger.Info("READ-ONLY: would stop (turn off)")
		return nil
	}
	return d.bus.SetSwitch(d.cfg.SwitchEntity, false)
}
