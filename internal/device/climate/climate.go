// Package climate implements the setpoint + mode controlled climate device
// (§4.5): a blended linear/scaled consumption estimator drives which
// adjacent setpoint or mode transition is worth advertising as an
// increment, within a user comfort band.
package climate

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
	"pvloadctl/internal/device"
	"pvloadctl/internal/devstate"
	"pvloadctl/internal/numeric"
)

// Config describes one climate device's wiring, bounds and timing.
type Config struct {
	Name     string
	Priority int

	ModeEntity            string // climate.* entity; State is off/heat/cool/fan_only
	SetpointEntity        string // number.* entity holding the active setpoint
	RoomTempEntity        string
	ConsumptionEntity     string
	DesiredSetpointEntity string
	DesiredModeEntity     string // State is "heat" or "cool"
	ComfortSetpointEntity string // optional; empty means no comfort bound configured

	MinSetpoint float64
	MaxSetpoint float64
	SetpointStep float64

	CompressorStartupMinConsumption float64
	PowerOnSetpointOffset           float64
	ConsumptionPerDegree            float64
	MaxCompressorConsumption        float64
	FanOnlyMinConsumption           float64
	HeatCoolMinConsumption          float64

	SetpointChangeTransitionMs time.Duration
	SetpointDebounceMs         time.Duration
	ModeChangeTransitionMs     time.Duration
	ModeDebounceMs             time.Duration
	StartupTransitionMs        time.Duration
	StartupDebounceMs          time.Duration
	FanOnlyTimeoutMs           time.Duration

	ReadOnly bool
}

type setSetpointAction struct {
	setpoint float64
	delta    float64
}

func (a setSetpointAction) Delta() float64 { return a.delta }

type setModeAction struct {
	mode  string
	delta float64
}

func (a setModeAction) Delta() float64 { return a.delta }

type startupAction struct {
	setpoint float64
	mode     string
	delta    float64
}

func (a startupAction) Delta() float64 { return a.delta }

// Device is a climate setpoint/mode controlled appliance.
type Device struct {
	cfg    Config
	bus    bus.Client
	clk    clock.Clock
	logger *zap.Logger
	base   *device.BaseControls
	state  *devstate.Machine

	fanOnlyTimer clock.Timer
}

// New constructs a climate device.
func New(cfg Config, busClient bus.Client, clk clock.Clock, logger *zap.Logger) *Device {
	return &Device{
		cfg:    cfg,
		bus:    busClient,
		clk:    clk,
		logger: logger.Named("climate").With(zap.String("device", cfg.Name)),
		base:   device.NewBaseControls(),
		state:  devstate.New(clk),
	}
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

func (d *Device) currentMode() string {
	state, err := d.bus.GetState(d.cfg.ModeEntity)
	if err != nil {
		return "off"
	}
	return state.State
}

func (d *Device) desiredMode() string {
	state, err := d.bus.GetState(d.cfg.DesiredModeEntity)
	if err != nil {
		return ""
	}
	return state.State
}

func (d *Device) comfortSetpoint() (float64, bool) {
	if d.cfg.ComfortSetpointEntity == "" {
		return 0, false
	}
	return d.readNumber(d.cfg.ComfortSetpointEntity)
}

// CurrentConsumption returns the measured power sensor reading, or zero if
// the reading is absent. The unit's mode is not consulted.
func (d *Device) CurrentConsumption() float64 {
	v, ok := d.readNumber(d.cfg.ConsumptionEntity)
	if !ok {
		return 0
	}
	return v
}

func (d *Device) modeMinConsumption(mode string, startingFromOff bool) float64 {
	switch {
	case mode == "fan_only":
		return d.cfg.FanOnlyMinConsumption
	case startingFromOff:
		return d.cfg.CompressorStartupMinConsumption
	default:
		return d.cfg.HeatCoolMinConsumption
	}
}

// estimate implements §4.5 steps 1-4: the 0.7/0.3 blend of a scaled
// current-consumption projection and a linear per-degree estimate.
func (d *Device) estimate(roomTemp, targetSetpoint float64, targetMode string, startingFromOff bool) float64 {
	targetDiff := math.Abs(roomTemp - targetSetpoint)
	modeMin := d.modeMinConsumption(targetMode, startingFromOff)
	linear := numeric.Clamp(targetDiff*d.cfg.ConsumptionPerDegree, modeMin, d.cfg.MaxCompressorConsumption)

	scaled := linear
	if !startingFromOff {
		if currentSetpoint, ok := d.readNumber(d.cfg.SetpointEntity); ok {
			currentDiff := math.Abs(roomTemp - currentSetpoint)
			if currentDiff > 0 {
				scaled = d.CurrentConsumption() * targetDiff / currentDiff
			}
		}
	}

	return numeric.Clamp(0.7*scaled+0.3*linear, modeMin, d.cfg.MaxCompressorConsumption)
}

func (d *Device) comfortBounds(desired float64) (lo, hi float64, ok bool) {
	comfort, has := d.comfortSetpoint()
	if !has {
		return 0, 0, false
	}
	if desired <= comfort {
		return desired, comfort, true
	}
	return comfort, desired, true
}

func (d *Device) withinConfiguredBounds(t float64) bool {
	return t >= d.cfg.MinSetpoint && t <= d.cfg.MaxSetpoint
}

// IncreaseIncrements returns the single legal increase: the startup
// transition from off, or one setpoint step toward the desired setpoint.
func (d *Device) IncreaseIncrements() []device.Increment {
	if !d.base.ManagementEnabled() {
		return nil
	}
	roomTemp, ok := d.readNumber(d.cfg.RoomTempEntity)
	if !ok {
		return nil
	}
	desiredSetpoint, hasDesired := d.readNumber(d.cfg.DesiredSetpointEntity)
	desiredMode := d.desiredMode()
	if desiredMode == "" {
		return nil
	}

	mode := d.currentMode()

	if mode == "off" {
		if !hasDesired {
			return nil
		}
		initial := roomTemp
		if desiredSetpoint <= roomTemp {
			initial = roomTemp - d.cfg.PowerOnSetpointOffset
		} else {
			initial = roomTemp + d.cfg.PowerOnSetpointOffset
		}
		if lo, hi, hasComfort := d.comfortBounds(desiredSetpoint); hasComfort {
			initial = numeric.Clamp(initial, lo, hi)
		} else if desiredSetpoint <= roomTemp && initial < desiredSetpoint {
			initial = desiredSetpoint
		} else if desiredSetpoint > roomTemp && initial > desiredSetpoint {
			initial = desiredSetpoint
		}

		delta := math.Max(math.Abs(roomTemp-initial)*d.cfg.ConsumptionPerDegree, d.cfg.CompressorStartupMinConsumption)
		return []device.Increment{{
			Delta:  delta,
			Action: startupAction{setpoint: initial, mode: desiredMode, delta: delta},
		}}
	}

	if mode != "heat" && mode != "cool" {
		return nil
	}
	if !hasDesired {
		return nil
	}

	currentSetpoint, ok := d.readNumber(d.cfg.SetpointEntity)
	if !ok {
		return nil
	}

	var target float64
	switch {
	case desiredSetpoint < currentSetpoint:
		target = currentSetpoint - d.cfg.SetpointStep
	case desiredSetpoint > currentSetpoint:
		target = currentSetpoint + d.cfg.SetpointStep
	default:
		return nil
	}

	if !d.withinConfiguredBounds(target) {
		return nil
	}
	if lo, hi, hasComfort := d.comfortBounds(desiredSetpoint); hasComfort && (target < lo || target > hi) {
		return nil
	}

	estimated := d.estimate(roomTemp, target, mode, false)
	delta := estimated - d.CurrentConsumption()
	if delta <= 0 {
		return nil
	}

	return []device.Increment{{Delta: delta, Action: setSetpointAction{setpoint: target, delta: delta}}}
}

// DecreaseIncrements returns the setpoint step away from desired (if legal)
// and the mode drop to fan_only (only when no comfort setpoint is
// configured — with a comfort bound set, the setpoint step is the only
// allowed relief valve).
func (d *Device) DecreaseIncrements() []device.Increment {
	if !d.base.ManagementEnabled() {
		return nil
	}
	mode := d.currentMode()
	if mode == "off" || mode == "fan_only" {
		return nil
	}

	roomTemp, ok := d.readNumber(d.cfg.RoomTempEntity)
	if !ok {
		return nil
	}
	desiredSetpoint, hasDesired := d.readNumber(d.cfg.DesiredSetpointEntity)

	var incs []device.Increment

	if currentSetpoint, ok := d.readNumber(d.cfg.SetpointEntity); ok && hasDesired {
		var target float64
		switch {
		case desiredSetpoint < currentSetpoint:
			target = currentSetpoint + d.cfg.SetpointStep
		case desiredSetpoint > currentSetpoint:
			target = currentSetpoint - d.cfg.SetpointStep
		default:
			target = currentSetpoint
		}

		if target != currentSetpoint && d.withinConfiguredBounds(target) {
			allowed := true
			if lo, hi, hasComfort := d.comfortBounds(desiredSetpoint); hasComfort && (target < lo || target > hi) {
				allowed = false
			}
			if allowed {
				estimated := d.estimate(roomTemp, target, mode, false)
				delta := estimated - d.CurrentConsumption()
				if delta < 0 {
					incs = append(incs, device.Increment{Delta: delta, Action: setSetpointAction{setpoint: target, delta: delta}})
				}
			}
		}
	}

	if _, hasComfort := d.comfortSetpoint(); !hasComfort {
		measured := d.CurrentConsumption()
		delta := -(measured - d.cfg.FanOnlyMinConsumption)
		if delta < 0 {
			incs = append(incs, device.Increment{Delta: delta, Action: setModeAction{mode: "fan_only", delta: delta}})
		}
	}

	return incs
}

func (d *Device) setMode(mode string) error {
	if d.cfg.ReadOnly {
		d.logger.Info("READ-ONLY: would set hvac mode", zap.String("mode", mode))
		return nil
	}
	return d.bus.CallService("climate", "set_hvac_mode", map[string]interface{}{
		"entity_id": d.cfg.ModeEntity,
		"hvac_mode": mode,
	})
}

func (d *Device) setSetpoint(setpoint float64) error {
	if d.cfg.ReadOnly {
		d.logger.Info("READ-ONLY: would set setpoint", zap.Float64("setpoint", setpoint))
		return nil
	}
	return d.bus.SetNumber(d.cfg.SetpointEntity, setpoint)
}

func (d *Device) IncreaseConsumptionBy(inc device.Increment) error {
	switch action := inc.Action.(type) {
	case startupAction:
		if err := d.setMode(action.mode); err != nil {
			return fmt.Errorf("climate device %s: set mode failed: %w", d.cfg.Name, err)
		}
		if err := d.setSetpoint(action.setpoint); err != nil {
			return fmt.Errorf("climate device %s: set setpoint failed: %w", d.cfg.Name, err)
		}
		return d.state.TransitionToPending(devstate.IncreasePending, d.CurrentConsumption()+action.delta, d.cfg.StartupTransitionMs, d.cfg.StartupDebounceMs)
	case setSetpointAction:
		if err := d.setSetpoint(action.setpoint); err != nil {
			return fmt.Errorf("climate device %s: set setpoint failed: %w", d.cfg.Name, err)
		}
		return d.state.TransitionToPending(devstate.IncreasePending, d.CurrentConsumption()+action.delta, d.cfg.SetpointChangeTransitionMs, d.cfg.SetpointDebounceMs)
	default:
		return fmt.Errorf("climate device %s: increment action not an increase action", d.cfg.Name)
	}
}

func (d *Device) DecreaseConsumptionBy(inc device.Increment) error {
	switch action := inc.Action.(type) {
	case setSetpointAction:
		if err := d.setSetpoint(action.setpoint); err != nil {
			return fmt.Errorf("climate device %s: set setpoint failed: %w", d.cfg.Name, err)
		}
		return d.state.TransitionToPending(devstate.DecreasePending, d.CurrentConsumption()+action.delta, d.cfg.SetpointChangeTransitionMs, d.cfg.SetpointDebounceMs)
	case setModeAction:
		if err := d.setMode(action.mode); err != nil {
			return fmt.Errorf("climate device %s: set mode failed: %w", d.cfg.Name, err)
		}
		if d.fanOnlyTimer != nil {
			d.fanOnlyTimer.Stop()
		}
		d.fanOnlyTimer = d.clk.AfterFunc(d.cfg.FanOnlyTimeoutMs, func() {
			d.logger.Info("fan-only timeout elapsed, turning off")
			d.setMode("off")
		})
		return d.state.TransitionToPending(devstate.DecreasePending, d.CurrentConsumption()+action.delta, d.cfg.ModeChangeTransitionMs, d.cfg.ModeDebounceMs)
	default:
		return fmt.Errorf("climate device %s: increment action not a decrease action", d.cfg.Name)
	}
}

func (d *Device) Stop() error {
	if d.fanOnlyTimer != nil {
		d.fanOnlyTimer.Stop()
		d.fanOnlyTimer = nil
	}
	d.state.Reset()
	return d.setMode("off")
}
