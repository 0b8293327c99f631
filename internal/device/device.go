// Package device defines the uniform, increment-based contract every
// controllable appliance implements, so internal/loadmanager can shed or add
// load without knowing which concrete kind of device it is talking to.
package device

import (
	"pvloadctl/internal/devstate"
)

// Action is a single pre-costed, pre-actioned unit of change a device
// advertises. The load manager only ever inspects Delta to pick one; the
// owning device alone interprets what applying it means.
type Action interface {
	// Delta is the signed watt change applying this action is expected to
	// produce: positive for an increase action, negative for a decrease
	// action (with the single documented exception of a direct-consumption
	// device's stop-disable action, whose delta equals the negative of its
	// current measured power).
	Delta() float64
}

// Increment pairs an Action with the delta the load manager sorts on. Delta
// is duplicated onto Increment (rather than requiring a type assertion on
// Action) purely so loadmanager's sort/select code never needs to know any
// device-specific Action type.
type Increment struct {
	Delta  float64
	Action Action
}

// BaseControls is the per-device user-facing switch surfaced to the bus.
// Every device embeds one; the load manager consults ManagementEnabled
// before ever calling Increase/Decrease.
type BaseControls struct {
	managementEnabled bool
}

// NewBaseControls returns controls with management enabled, the documented
// default on first start.
func NewBaseControls() *BaseControls {
	return &BaseControls{managementEnabled: true}
}

// ManagementEnabled reports whether the load manager may act on this device.
func (b *BaseControls) ManagementEnabled() bool {
	return b.managementEnabled
}

// SetManagementEnabled updates the switch, typically in response to a bus
// state change on the device's "<Device> Management Enabled" entity.
func (b *BaseControls) SetManagementEnabled(enabled bool) {
	b.managementEnabled = enabled
}

// Device is the contract internal/loadmanager drives. Priority is lower for
// devices that should activate first and shed last. CurrentConsumption is
// the device's own measured or estimated present draw in watts.
type Device interface {
	Name() string
	Priority() int
	BaseControls() *BaseControls
	CurrentConsumption() float64
	ChangeState() devstate.State

	// IncreaseIncrements lists the currently legal ways to raise
	// consumption, most to least aggressive order unspecified (the load
	// manager sorts as needed). Empty when the device cannot increase.
	IncreaseIncrements() []Increment
	// DecreaseIncrements is the symmetric list for lowering consumption.
	DecreaseIncrements() []Increment

	// IncreaseConsumptionBy applies a previously advertised increase
	// Increment: commands the actuator and enters IncreasePending.
	IncreaseConsumptionBy(inc Increment) error
	// DecreaseConsumptionBy is the symmetric decrease operation.
	DecreaseConsumptionBy(inc Increment) error

	// Stop commands the device to its safe/off resting state and resets
	// its transition state machine. Called when the supervisor transitions
	// to STOPPED.
	Stop() error
}
