// Package bus implements the WebSocket transport to the home-automation
// message bus: sensor readings arrive as state_changed events, actuator
// commands go out as call_service requests. The wire protocol is the
// request/response-by-id plus event-fan-out shape used by Home Assistant's
// own WebSocket API; this package only depends on that shape, not on any
// Home-Assistant-specific entity semantics.
package bus

import (
	"encoding/json"
	"time"
)

// Message is the generic envelope every inbound frame is decoded into
// before being routed either to a pending request or to the event fan-out.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the bus's error envelope for a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage authenticates the connection immediately after auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// Event wraps a subscribed event type; only state_changed is consumed here.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// StateChangedEvent is the payload of a state_changed event.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// State is a single entity's reading at a point in time. State is always a
// string on the wire; numeric sensors encode their value as a decimal
// string, with "unavailable"/"unknown" sentinels for absent readings. Use
// internal/numeric to coerce State.State to a real.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// CallServiceRequest commands an actuator.
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest fetches every known entity's current state.
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest subscribes the connection to a bus event type.
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is invoked for every state_changed event delivered for
// a subscribed entity. newState is nil if the entity was removed.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is returned by SubscribeStateChanges; Unsubscribe removes the
// handler and is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// subscription is the Client's concrete Subscription: it always carries
// exactly the (entityID, subID, client) triple the client used to register
// it, so Unsubscribe can look the entry back up unambiguously.
type subscription struct {
	entityID string
	subID    int
	client   *WSClient
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.entityID, s.subID)
}
