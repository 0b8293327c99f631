package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeSystemConfig(t *testing.T, dir, body string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, "system_config.yaml"), []byte(body), 0644)
	require.NoError(t, err)
}

const sampleSystemConfig = `
devices:
  - kind: boolean
    name: Pool Pump
    priority: 5
    boolean:
      switch_entity: switch.pool_pump
      consumption_entity: sensor.pool_pump_power
      expected_consumption: 1100
      change_transition_ms: 200
      turn_on_debounce_ms: 1000
      turn_off_debounce_ms: 1000
  - kind: climate
    name: Primary Suite Thermostat
    priority: 2
    climate:
      mode_entity: climate.primary_suite
      setpoint_entity: number.primary_suite_setpoint
      room_temp_entity: sensor.primary_suite_temp
      consumption_entity: sensor.primary_suite_power
      desired_setpoint_entity: number.primary_suite_desired_setpoint
      desired_mode_entity: select.primary_suite_desired_mode
      min_setpoint: 10
      max_setpoint: 35
      setpoint_step: 1
      compressor_startup_min_consumption: 400
      power_on_setpoint_offset: 1
      consumption_per_degree: 300
      max_compressor_consumption: 2400
      fan_only_min_consumption: 150
      heat_cool_min_consumption: 500
      setpoint_change_transition_ms: 200
      setpoint_debounce_ms: 500
      mode_change_transition_ms: 500
      mode_debounce_ms: 1000
      startup_transition_ms: 2000
      startup_debounce_ms: 2000
      fan_only_timeout_ms: 600000
  - kind: direct_consumption
    name: EV Charger
    priority: 8
    direct_consumption:
      enable_entity: switch.ev_charger_enable
      current_entity: number.ev_charger_current
      precondition_entity: binary_sensor.ev_plugged_in
      measured_current_entity: sensor.ev_charger_current_measured
      voltage_entity: sensor.grid_voltage
      measured_power_entity: sensor.ev_charger_power
      starting_min_current: 6
      max_current: 32
      current_step: 2
      change_transition_ms: 500
      debounce_ms: 2000
      stopping_threshold: 1
      stopping_timeout_ms: 300000
pv_sensors:
  raw: sensor.pv_production
  mean_1min: sensor.pv_production_mean_1min
grid_sensors:
  raw: sensor.grid_power
  mean_1min: sensor.grid_power_mean_1min
thresholds:
  desired_grid_consumption: -200
  max_consumption_before_shedding_load: 800
  min_consumption_before_adding_load: -800
pv_production_activation_threshold: 500
pv_production_activation_delay_ms: 900000
enable_switch_entity: switch.load_management_enabled
status_entity: binary_sensor.load_management_active
`

func TestLoader_LoadAllParsesDevicesAndThresholds(t *testing.T) {
	dir := t.TempDir()
	writeSystemConfig(t, dir, sampleSystemConfig)

	l := NewLoader(dir, zap.NewNop())
	require.NoError(t, l.LoadAll())

	sys := l.System()
	require.NotNil(t, sys)
	require.Len(t, sys.Devices, 3)

	boolDevice := sys.Devices[0]
	assert.Equal(t, "boolean", boolDevice.Kind)
	require.NotNil(t, boolDevice.Boolean)
	assert.Equal(t, "switch.pool_pump", boolDevice.Boolean.SwitchEntity)
	assert.Equal(t, 1100.0, boolDevice.Boolean.ExpectedConsumption)

	climateDevice := sys.Devices[1]
	require.NotNil(t, climateDevice.Climate)
	assert.Equal(t, 300.0, climateDevice.Climate.ConsumptionPerDegree)

	directDevice := sys.Devices[2]
	require.NotNil(t, directDevice.DirectConsumption)
	assert.Equal(t, 32.0, directDevice.DirectConsumption.MaxCurrent)

	assert.Equal(t, -200.0, sys.Thresholds.DesiredGridConsumption)
	assert.Equal(t, 800.0, sys.Thresholds.MaxConsumptionBeforeSheddingLoad)
	assert.Equal(t, 500.0, sys.PVProductionActivationThreshold)
	assert.Equal(t, 900000, sys.PVProductionActivationDelayMs)
	assert.Equal(t, "sensor.pv_production_mean_1min", sys.PVSensors.Mean1Min)
}

func TestLoader_MissingFileReturnsWrappedError(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, zap.NewNop())
	err := l.LoadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read system config")
}

func TestLoader_MalformedYAMLReturnsWrappedError(t *testing.T) {
	dir := t.TempDir()
	writeSystemConfig(t, dir, "devices: [this is not: valid: yaml")
	l := NewLoader(dir, zap.NewNop())
	err := l.LoadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse system config")
}
