// Package service wires the configured device set, the bus client, the
// supervisory state manager and the load manager together (§4.9): it
// constructs devices from configuration, and starts/stops the load manager
// as the supervisor transitions between RUNNING and STOPPED.
//
// Grounded on cmd/main.go's startXManager helper pattern: a small wiring
// function per concern, called once from bootstrap, with errors wrapped and
// returned rather than panicked.
package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
	"pvloadctl/internal/config"
	"pvloadctl/internal/device"
	"pvloadctl/internal/device/boolean"
	"pvloadctl/internal/device/climate"
	"pvloadctl/internal/device/directconsumption"
	"pvloadctl/internal/loadmanager"
	"pvloadctl/internal/supervisor"
	"pvloadctl/pkg/devicekind"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// NewRegistry builds a devicekind.Registry with factories for every kind
// this repository implements.
func NewRegistry() *devicekind.Registry {
	r := devicekind.NewRegistry()

	booleanFactory := func(raw interface{}, busClient bus.Client, clk clock.Clock, logger *zap.Logger) (device.Device, error) {
		cfg, ok := raw.(boolean.Config)
		if !ok {
			return nil, fmt.Errorf("devicekind: boolean factory got wrong config type %T", raw)
		}
		return boolean.New(cfg, busClient, clk, logger), nil
	}
	r.Register("boolean", booleanFactory)
	r.Register("dehumidifier", booleanFactory)

	r.Register("climate", func(raw interface{}, busClient bus.Client, clk clock.Clock, logger *zap.Logger) (device.Device, error) {
		cfg, ok := raw.(climate.Config)
		if !ok {
			return nil, fmt.Errorf("devicekind: climate factory got wrong config type %T", raw)
		}
		return climate.New(cfg, busClient, clk, logger), nil
	})

	r.Register("direct_consumption", func(raw interface{}, busClient bus.Client, clk clock.Clock, logger *zap.Logger) (device.Device, error) {
		cfg, ok := raw.(directconsumption.Config)
		if !ok {
			return nil, fmt.Errorf("devicekind: direct_consumption factory got wrong config type %T", raw)
		}
		return directconsumption.New(cfg, busClient, clk, logger), nil
	})

	return r
}

func booleanConfigFrom(rec config.DeviceRecord, opts *config.BooleanOptions, readOnly bool) boolean.Config {
	return boolean.Config{
		Name:                rec.Name,
		Priority:            rec.Priority,
		SwitchEntity:        opts.SwitchEntity,
		ConsumptionEntity:   opts.ConsumptionEntity,
		ExpectedConsumption: opts.ExpectedConsumption,
		ChangeTransitionMs:  ms(opts.ChangeTransitionMs),
		TurnOnDebounceMs:    ms(opts.TurnOnDebounceMs),
		TurnOffDebounceMs:   ms(opts.TurnOffDebounceMs),
		ReadOnly:            readOnly,
	}
}

func climateConfigFrom(rec config.DeviceRecord, opts *config.ClimateOptions, readOnly bool) climate.Config {
	return climate.Config{
		Name:                  rec.Name,
		Priority:              rec.Priority,
		ModeEntity:            opts.ModeEntity,
		SetpointEntity:        opts.SetpointEntity,
		RoomTempEntity:        opts.RoomTempEntity,
		ConsumptionEntity:     opts.ConsumptionEntity,
		DesiredSetpointEntity: opts.DesiredSetpointEntity,
		DesiredModeEntity:     opts.DesiredModeEntity,
		ComfortSetpointEntity: opts.ComfortSetpointEntity,

		MinSetpoint:  opts.MinSetpoint,
		MaxSetpoint:  opts.MaxSetpoint,
		SetpointStep: opts.SetpointStep,

		CompressorStartupMinConsumption: opts.CompressorStartupMinConsumption,
		PowerOnSetpointOffset:           opts.PowerOnSetpointOffset,
		ConsumptionPerDegree:            opts.ConsumptionPerDegree,
		MaxCompressorConsumption:        opts.MaxCompressorConsumption,
		FanOnlyMinConsumption:           opts.FanOnlyMinConsumption,
		HeatCoolMinConsumption:          opts.HeatCoolMinConsumption,

		SetpointChangeTransitionMs: ms(opts.SetpointChangeTransitionMs),
		SetpointDebounceMs:         ms(opts.SetpointDebounceMs),
		ModeChangeTransitionMs:     ms(opts.ModeChangeTransitionMs),
		ModeDebounceMs:             ms(opts.ModeDebounceMs),
		StartupTransitionMs:        ms(opts.StartupTransitionMs),
		StartupDebounceMs:          ms(opts.StartupDebounceMs),
		FanOnlyTimeoutMs:           ms(opts.FanOnlyTimeoutMs),

		ReadOnly: readOnly,
	}
}

func directConsumptionConfigFrom(rec config.DeviceRecord, opts *config.DirectConsumptionOptions, readOnly bool) directconsumption.Config {
	return directconsumption.Config{
		Name:     rec.Name,
		Priority: rec.Priority,

		EnableEntity:          opts.EnableEntity,
		CurrentEntity:         opts.CurrentEntity,
		PreconditionEntity:    opts.PreconditionEntity,
		MeasuredCurrentEntity: opts.MeasuredCurrentEntity,
		VoltageEntity:         opts.VoltageEntity,
		MeasuredPowerEntity:   opts.MeasuredPowerEntity,

		StartingMinCurrent: opts.StartingMinCurrent,
		MaxCurrent:         opts.MaxCurrent,
		CurrentStep:        opts.CurrentStep,

		ChangeTransitionMs: ms(opts.ChangeTransitionMs),
		DebounceMs:         ms(opts.DebounceMs),

		StoppingThreshold: opts.StoppingThreshold,
		StoppingTimeoutMs: ms(opts.StoppingTimeoutMs),

		ReadOnly: readOnly,
	}
}

// BuildDevices constructs one device.Device per configured record.
func BuildDevices(sys *config.SystemConfig, registry *devicekind.Registry, busClient bus.Client, clk clock.Clock, logger *zap.Logger, readOnly bool) ([]device.Device, error) {
	devices := make([]device.Device, 0, len(sys.Devices))

	for _, rec := range sys.Devices {
		var raw interface{}
		switch rec.Kind {
		case "boolean":
			if rec.Boolean == nil {
				return nil, fmt.Errorf("device %q: kind boolean requires a boolean option block", rec.Name)
			}
			raw = booleanConfigFrom(rec, rec.Boolean, readOnly)
		case "dehumidifier":
			if rec.Dehumidifier == nil {
				return nil, fmt.Errorf("device %q: kind dehumidifier requires a dehumidifier option block", rec.Name)
			}
			raw = booleanConfigFrom(rec, rec.Dehumidifier, readOnly)
		case "climate":
			if rec.Climate == nil {
				return nil, fmt.Errorf("device %q: kind climate requires a climate option block", rec.Name)
			}
			raw = climateConfigFrom(rec, rec.Climate, readOnly)
		case "direct_consumption":
			if rec.DirectConsumption == nil {
				return nil, fmt.Errorf("device %q: kind direct_consumption requires a direct_consumption option block", rec.Name)
			}
			raw = directConsumptionConfigFrom(rec, rec.DirectConsumption, readOnly)
		default:
			return nil, fmt.Errorf("device %q: unknown kind %q", rec.Name, rec.Kind)
		}

		d, err := registry.Build(rec.Kind, raw, busClient, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", rec.Name, err)
		}
		devices = append(devices, d)
	}

	return devices, nil
}

// Service owns the supervisor and starts/stops the load manager as it
// transitions between RUNNING and STOPPED.
type Service struct {
	bus        bus.Client
	clk        clock.Clock
	logger     *zap.Logger
	sys        *config.SystemConfig
	devices    []device.Device
	supervisor *supervisor.Supervisor
	manager    *loadmanager.Manager
	readOnly   bool
}

// New constructs a Service from a loaded configuration and a bus client.
func New(sys *config.SystemConfig, registry *devicekind.Registry, busClient bus.Client, clk clock.Clock, logger *zap.Logger, readOnly bool) (*Service, error) {
	devices, err := BuildDevices(sys, registry, busClient, clk, logger, readOnly)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Config{
		PVMean1MinEntity:    sys.PVSensors.Mean1Min,
		EnableSwitchEntity:  sys.EnableSwitchEntity,
		ActivationThreshold: sys.PVProductionActivationThreshold,
		ActivationDelayMs:   ms(sys.PVProductionActivationDelayMs),
	}, busClient, clk, logger)

	svc := &Service{
		bus:        busClient,
		clk:        clk,
		logger:     logger.Named("service"),
		sys:        sys,
		devices:    devices,
		supervisor: sup,
		readOnly:   readOnly,
	}

	sup.AddListener(svc.onSupervisorTransition)

	return svc, nil
}

func (s *Service) onSupervisorTransition(st supervisor.State) {
	if st == supervisor.Running {
		if s.manager == nil {
			s.manager = loadmanager.New(loadmanager.Config{
				GridRawEntity:                     s.sys.GridSensors.Raw,
				GridMean1MinEntity:                s.sys.GridSensors.Mean1Min,
				DesiredGridConsumption:            s.sys.Thresholds.DesiredGridConsumption,
				MaxConsumptionBeforeSheddingLoad:  s.sys.Thresholds.MaxConsumptionBeforeSheddingLoad,
				MinConsumptionBeforeAddingLoad:    s.sys.Thresholds.MinConsumptionBeforeAddingLoad,
				ReadOnly:                          s.readOnly,
			}, s.bus, s.devices, s.logger)
		}
		s.manager.Start()
		s.setStatus(true)
		s.logger.Info("load management started")
		return
	}

	if s.manager != nil {
		s.manager.Stop()
	}
	s.setStatus(false)
	s.logger.Info("load management stopped")
}

func (s *Service) setStatus(active bool) {
	if s.sys.StatusEntity == "" {
		return
	}
	if s.readOnly {
		s.logger.Info("READ-ONLY: would set status entity", zap.Bool("active", active))
		return
	}
	if err := s.bus.SetSwitch(s.sys.StatusEntity, active); err != nil {
		s.logger.Warn("failed to update status entity", zap.Error(err))
	}
}

// Start begins the supervisor's background recompute loop.
func (s *Service) Start() {
	s.supervisor.Start()
}

// Stop halts the supervisor and, if running, the load manager. If the load
// manager never started (the supervisor never committed RUNNING), devices
// are stopped directly here instead, so a device's independent background
// work (e.g. the direct-consumption watchdog) never outlives the service.
func (s *Service) Stop() {
	s.supervisor.Stop()
	if s.manager != nil {
		s.manager.Stop()
		return
	}
	for _, d := range s.devices {
		if err := d.Stop(); err != nil {
			s.logger.Error("device stop failed", zap.String("device", d.Name()), zap.Error(err))
		}
	}
}

// Devices returns the constructed device set, for diagnostics/status.
func (s *Service) Devices() []device.Device { return s.devices }

// Supervisor returns the supervisory state manager, for diagnostics.
func (s *Service) Supervisor() *supervisor.Supervisor { return s.supervisor }
