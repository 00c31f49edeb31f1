package types

import (
	"fmt"
	"time"
)

// EventType identifies the kind of a device event. The numeric values are
// persisted as the tag byte of every event column and must never change.
type EventType byte

const (
	EventMeasurements      EventType = 0x01
	EventLocation          EventType = 0x02
	EventAlert             EventType = 0x03
	EventCommandInvocation EventType = 0x04
	EventCommandResponse   EventType = 0x05
	EventStateChange       EventType = 0x06
)

var eventTypeNames = map[EventType]string{
	EventMeasurements:      "Measurements",
	EventLocation:          "Location",
	EventAlert:             "Alert",
	EventCommandInvocation: "CommandInvocation",
	EventCommandResponse:   "CommandResponse",
	EventStateChange:       "StateChange",
}

// String returns the event type name.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(0x%02x)", byte(t))
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// MarshalText encodes the event type by name.
func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type 0x%02x", byte(t))
	}
	return []byte(eventTypeNames[t]), nil
}

// UnmarshalText decodes an event type name.
func (t *EventType) UnmarshalText(b []byte) error {
	for k, v := range eventTypeNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", string(b))
}

// Event is implemented by every concrete event kind.
type Event interface {
	Base() *EventBase
	Type() EventType
}

// EventBase holds the fields every event carries. ID is derived from the
// event's row key and qualifier on read and is never stored.
type EventBase struct {
	ID              string            `json:"id,omitempty"`
	EventType       EventType         `json:"eventType"`
	SiteToken       string            `json:"siteToken,omitempty"`
	AssignmentToken string            `json:"assignmentToken,omitempty"`
	EventDate       time.Time         `json:"eventDate"`
	ReceivedDate    time.Time         `json:"receivedDate"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Base returns the common part of the event.
func (b *EventBase) Base() *EventBase { return b }

// Measurements is a set of named numeric readings taken at one instant.
type Measurements struct {
	EventBase
	Measurements map[string]float64 `json:"measurements"`
}

func (*Measurements) Type() EventType { return EventMeasurements }

// Location is a position report.
type Location struct {
	EventBase
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

func (*Location) Type() EventType { return EventLocation }

// AlertSource says who raised an alert.
type AlertSource string

const (
	AlertFromDevice AlertSource = "Device"
	AlertFromSystem AlertSource = "System"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "Info"
	AlertWarning  AlertLevel = "Warning"
	AlertError    AlertLevel = "Error"
	AlertCritical AlertLevel = "Critical"
)

// Alert is an exceptional condition reported by or about a device.
type Alert struct {
	EventBase
	Source    AlertSource `json:"source"`
	Level     AlertLevel  `json:"level"`
	AlertType string      `json:"type"`
	Message   string      `json:"message"`
}

func (*Alert) Type() EventType { return EventAlert }

// CommandStatus tracks delivery of an invocation.
type CommandStatus string

const (
	CommandPending CommandStatus = "Pending"
	CommandSent    CommandStatus = "Sent"
	CommandFailed  CommandStatus = "Failed"
)

// CommandInvocation records a request to run a command on a device.
type CommandInvocation struct {
	EventBase
	Initiator       string            `json:"initiator,omitempty"`
	InitiatorID     string            `json:"initiatorId,omitempty"`
	Target          string            `json:"target,omitempty"`
	TargetID        string            `json:"targetId,omitempty"`
	CommandToken    string            `json:"commandToken"`
	ParameterValues map[string]string `json:"parameterValues,omitempty"`
	Status          CommandStatus     `json:"status,omitempty"`
}

func (*CommandInvocation) Type() EventType { return EventCommandInvocation }

// CommandResponse is a device's reply to an invocation. OriginatingEventID,
// when set, names the invocation it answers.
type CommandResponse struct {
	EventBase
	OriginatingEventID string `json:"originatingEventId,omitempty"`
	ResponseEventID    string `json:"responseEventId,omitempty"`
	Response           string `json:"response,omitempty"`
}

func (*CommandResponse) Type() EventType { return EventCommandResponse }

// StateChange records a transition in some piece of device state.
type StateChange struct {
	EventBase
	Category      string            `json:"category"`
	ChangeType    string            `json:"type"`
	PreviousState string            `json:"previousState,omitempty"`
	NewState      string            `json:"newState,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

func (*StateChange) Type() EventType { return EventStateChange }

// NewEvent returns an empty event of the given type for decoding into.
func NewEvent(t EventType) (Event, error) {
	switch t {
	case EventMeasurements:
		return &Measurements{}, nil
	case EventLocation:
		return &Location{}, nil
	case EventAlert:
		return &Alert{}, nil
	case EventCommandInvocation:
		return &CommandInvocation{}, nil
	case EventCommandResponse:
		return &CommandResponse{}, nil
	case EventStateChange:
		return &StateChange{}, nil
	default:
		return nil, fmt.Errorf("unknown event type 0x%02x", byte(t))
	}
}

// EventCreateRequest holds the fields common to every event create request.
// A zero EventDate means now.
type EventCreateRequest struct {
	EventDate   time.Time         `json:"eventDate"`
	UpdateState bool              `json:"updateState,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MeasurementsCreateRequest creates a measurements event.
type MeasurementsCreateRequest struct {
	EventCreateRequest
	Measurements map[string]float64 `json:"measurements"`
}

// LocationCreateRequest creates a location event.
type LocationCreateRequest struct {
	EventCreateRequest
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

// AlertCreateRequest creates an alert event.
type AlertCreateRequest struct {
	EventCreateRequest
	Source    AlertSource `json:"source,omitempty"`
	Level     AlertLevel  `json:"level,omitempty"`
	AlertType string      `json:"type"`
	Message   string      `json:"message"`
}

// CommandInvocationCreateRequest creates a command invocation event.
type CommandInvocationCreateRequest struct {
	EventCreateRequest
	Initiator       string            `json:"initiator,omitempty"`
	InitiatorID     string            `json:"initiatorId,omitempty"`
	Target          string            `json:"target,omitempty"`
	TargetID        string            `json:"targetId,omitempty"`
	CommandToken    string            `json:"commandToken"`
	ParameterValues map[string]string `json:"parameterValues,omitempty"`
	Status          CommandStatus     `json:"status,omitempty"`
}

// CommandResponseCreateRequest creates a command response event.
type CommandResponseCreateRequest struct {
	EventCreateRequest
	OriginatingEventID string `json:"originatingEventId,omitempty"`
	ResponseEventID    string `json:"responseEventId,omitempty"`
	Response           string `json:"response,omitempty"`
}

// StateChangeCreateRequest creates a state change event.
type StateChangeCreateRequest struct {
	EventCreateRequest
	Category      string            `json:"category"`
	ChangeType    string            `json:"type"`
	PreviousState string            `json:"previousState,omitempty"`
	NewState      string            `json:"newState,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}
