// Package config loads the static device/threshold configuration file
// (§6's schema) with gopkg.in/yaml.v3, following the read-whole-file,
// unmarshal-into-typed-struct, wrap-errors-with-%w shape the rest of this
// codebase uses for its YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SensorPair is a raw/1-minute-mean sensor entity pair.
type SensorPair struct {
	Raw      string `yaml:"raw"`
	Mean1Min string `yaml:"mean_1min"`
}

// DeviceRecord is one kind-tagged device configuration entry. Exactly one
// of the per-kind option blocks should be populated, matching Kind.
type DeviceRecord struct {
	Kind     string `yaml:"kind"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`

	Boolean           *BooleanOptions           `yaml:"boolean,omitempty"`
	Climate           *ClimateOptions           `yaml:"climate,omitempty"`
	DirectConsumption *DirectConsumptionOptions `yaml:"direct_consumption,omitempty"`
	Dehumidifier      *BooleanOptions           `yaml:"dehumidifier,omitempty"`
}

// All *Ms fields below are milliseconds; internal/service converts them to
// time.Duration when constructing devices.

// BooleanOptions is the YAML option block for kind "boolean" (and
// "dehumidifier", which is a boolean device under a distinct config key for
// readability).
type BooleanOptions struct {
	SwitchEntity        string  `yaml:"switch_entity"`
	ConsumptionEntity   string  `yaml:"consumption_entity"`
	ExpectedConsumption float64 `yaml:"expected_consumption"`
	ChangeTransitionMs  int     `yaml:"change_transition_ms"`
	TurnOnDebounceMs    int     `yaml:"turn_on_debounce_ms"`
	TurnOffDebounceMs   int     `yaml:"turn_off_debounce_ms"`
}

// ClimateOptions is the YAML option block for kind "climate".
type ClimateOptions struct {
	ModeEntity            string `yaml:"mode_entity"`
	SetpointEntity        string `yaml:"setpoint_entity"`
	RoomTempEntity        string `yaml:"room_temp_entity"`
	ConsumptionEntity     string `yaml:"consumption_entity"`
	DesiredSetpointEntity string `yaml:"desired_setpoint_entity"`
	DesiredModeEntity     string `yaml:"desired_mode_entity"`
	ComfortSetpointEntity string `yaml:"comfort_setpoint_entity"`

	MinSetpoint  float64 `yaml:"min_setpoint"`
	MaxSetpoint  float64 `yaml:"max_setpoint"`
	SetpointStep float64 `yaml:"setpoint_step"`

	CompressorStartupMinConsumption float64 `yaml:"compressor_startup_min_consumption"`
	PowerOnSetpointOffset           float64 `yaml:"power_on_setpoint_offset"`
	ConsumptionPerDegree            float64 `yaml:"consumption_per_degree"`
	MaxCompressorConsumption        float64 `yaml:"max_compressor_consumption"`
	FanOnlyMinConsumption           float64 `yaml:"fan_only_min_consumption"`
	HeatCoolMinConsumption          float64 `yaml:"heat_cool_min_consumption"`

	SetpointChangeTransitionMs int `yaml:"setpoint_change_transition_ms"`
	SetpointDebounceMs         int `yaml:"setpoint_debounce_ms"`
	ModeChangeTransitionMs     int `yaml:"mode_change_transition_ms"`
	ModeDebounceMs             int `yaml:"mode_debounce_ms"`
	StartupTransitionMs        int `yaml:"startup_transition_ms"`
	StartupDebounceMs          int `yaml:"startup_debounce_ms"`
	FanOnlyTimeoutMs           int `yaml:"fan_only_timeout_ms"`
}

// DirectConsumptionOptions is the YAML option block for kind
// "direct_consumption".
type DirectConsumptionOptions struct {
	EnableEntity          string `yaml:"enable_entity"`
	CurrentEntity         string `yaml:"current_entity"`
	PreconditionEntity    string `yaml:"precondition_entity"`
	MeasuredCurrentEntity string `yaml:"measured_current_entity"`
	VoltageEntity         string `yaml:"voltage_entity"`
	MeasuredPowerEntity   string `yaml:"measured_power_entity"`

	StartingMinCurrent float64 `yaml:"starting_min_current"`
	MaxCurrent         float64 `yaml:"max_current"`
	CurrentStep        float64 `yaml:"current_step"`

	ChangeTransitionMs int `yaml:"change_transition_ms"`
	DebounceMs         int `yaml:"debounce_ms"`

	StoppingThreshold float64 `yaml:"stopping_threshold"`
	StoppingTimeoutMs int     `yaml:"stopping_timeout_ms"`
}

// Thresholds holds the load manager's grid-consumption band.
type Thresholds struct {
	DesiredGridConsumption           float64 `yaml:"desired_grid_consumption"`
	MaxConsumptionBeforeSheddingLoad float64 `yaml:"max_consumption_before_shedding_load"`
	MinConsumptionBeforeAddingLoad   float64 `yaml:"min_consumption_before_adding_load"`
}

// SystemConfig is the top-level device/threshold configuration (§6's schema).
type SystemConfig struct {
	Devices []DeviceRecord `yaml:"devices"`

	PVSensors   SensorPair `yaml:"pv_sensors"`
	GridSensors SensorPair `yaml:"grid_sensors"`

	Thresholds Thresholds `yaml:"thresholds"`

	PVProductionActivationThreshold float64 `yaml:"pv_production_activation_threshold"`
	PVProductionActivationDelayMs   int     `yaml:"pv_production_activation_delay_ms"`

	EnableSwitchEntity string `yaml:"enable_switch_entity"`
	StatusEntity       string `yaml:"status_entity"`
}

// Loader reads and holds the system configuration.
type Loader struct {
	configDir string
	logger    *zap.Logger
	system    *SystemConfig
}

// NewLoader creates a configuration loader rooted at configDir.
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{configDir: configDir, logger: logger}
}

// LoadAll reads system_config.yaml from the configured directory.
func (l *Loader) LoadAll() error {
	path := filepath.Join(l.configDir, "system_config.yaml")
	l.logger.Debug("loading system config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read system config: %w", err)
	}

	var cfg SystemConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse system config: %w", err)
	}

	l.system = &cfg
	l.logger.Info("system config loaded", zap.Int("devices", len(cfg.Devices)))
	return nil
}

// System returns the loaded configuration, or nil if LoadAll has not
// succeeded yet.
func (l *Loader) System() *SystemConfig {
	return l.system
}
