// Package conversation provides the append-only event log of an analysis
// session.
//
// Information Hiding:
// - Event wire shape (JSON and BSON) hidden behind Event
// - Storage backend behind Store
// - Invariant checks applied on append
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventType tags the kind of an Event.
type EventType string

const (
	EventMessage    EventType = "message"
	EventSystem     EventType = "system"
	EventUser       EventType = "user"
	EventLog        EventType = "log"
	EventPrompt     EventType = "prompt"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventSystem, EventUser, EventLog, EventPrompt, EventToolCall, EventToolResult:
		return true
	}
	return false
}

// ErrInvalidEvent is returned for events missing their kind's payload.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one entry of a conversation. Which payload fields are set depends
// on Type:
//
//	message, system          Role, Content
//	user                     Content, DatasourceIDs
//	log, prompt              Content
//	tool_call                ToolCallID, ToolName, Parameters
//	tool_result              ToolCallID, ToolName, Output
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	Role          string
	Content       string
	DatasourceIDs []string

	ToolCallID string
	ToolName   string
	Parameters map[string]string
	Output     string
}

// chatMessage is the payload of message and system events.
type chatMessage struct {
	Role    string `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

// wireEvent is the stored shape. "message" is an object for message and
// system events and a plain string for user, log and prompt events.
type wireEvent struct {
	ID            string            `json:"id" bson:"id"`
	Type          EventType         `json:"type" bson:"type"`
	Timestamp     time.Time         `json:"timestamp" bson:"timestamp"`
	Message       any               `json:"message,omitempty" bson:"message,omitempty"`
	DatasourceIDs []string          `json:"datasourceIds,omitempty" bson:"datasourceIds,omitempty"`
	ToolCallID    string            `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	ToolName      string            `json:"tool_name,omitempty" bson:"tool_name,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty" bson:"parameters,omitempty"`
	Output        *string           `json:"output,omitempty" bson:"output,omitempty"`
}

func (e Event) wire() wireEvent {
	w := wireEvent{
		ID:         e.ID,
		Type:       e.Type,
		Timestamp:  e.Timestamp.UTC(),
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Parameters: e.Parameters,
	}
	switch e.Type {
	case EventMessage, EventSystem:
		w.Message = chatMessage{Role: e.Role, Content: e.Content}
	case EventUser:
		w.Message = e.Content
		w.DatasourceIDs = e.DatasourceIDs
	case EventLog, EventPrompt:
		w.Message = e.Content
	case EventToolResult:
		out := e.Output
		w.Output = &out
	}
	return w
}

func (w wireEvent) event() (Event, error) {
	e := Event{
		ID:            w.ID,
		Type:          w.Type,
		Timestamp:     w.Timestamp,
		DatasourceIDs: w.DatasourceIDs,
		ToolCallID:    w.ToolCallID,
		ToolName:      w.ToolName,
		Parameters:    w.Parameters,
	}
	if w.Output != nil {
		e.Output = *w.Output
	}

	switch msg := w.Message.(type) {
	case nil:
	case string:
		e.Content = msg
	case map[string]any:
		e.Role, _ = msg["role"].(string)
		e.Content, _ = msg["content"].(string)
	case primitive.D:
		for _, el := range msg {
			switch el.Key {
			case "role":
				e.Role, _ = el.Value.(string)
			case "content":
				e.Content, _ = el.Value.(string)
			}
		}
	case primitive.M:
		e.Role, _ = msg["role"].(string)
		e.Content, _ = msg["content"].(string)
	default:
		return Event{}, fmt.Errorf("%w: unexpected message payload %T", ErrInvalidEvent, w.Message)
	}
	return e, nil
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ev, err := w.event()
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// MarshalBSON implements bson.Marshaler.
func (e Event) MarshalBSON() ([]byte, error) {
	return bson.Marshal(e.wire())
}

// UnmarshalBSON implements bson.Unmarshaler.
func (e *Event) UnmarshalBSON(data []byte) error {
	var w wireEvent
	if err := bson.Unmarshal(data, &w); err != nil {
		return err
	}
	ev, err := w.event()
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// Validate checks the payload required by the event's type.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	switch e.Type {
	case EventMessage, EventSystem:
		if e.Role == "" {
			return fmt.Errorf("%w: %s event without role", ErrInvalidEvent, e.Type)
		}
	case EventToolCall, EventToolResult:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("%w: %s event without tool_call_id or tool_name", ErrInvalidEvent, e.Type)
		}
	}
	return nil
}

func newEventID() string {
	return uuid.NewString()
}

func cloneEvent(e Event) Event {
	if e.Parameters != nil {
		params := make(map[string]string, len(e.Parameters))
		for k, v := range e.Parameters {
			params[k] = v
		}
		e.Parameters = params
	}
	if e.DatasourceIDs != nil {
		e.DatasourceIDs = append([]string(nil), e.DatasourceIDs...)
	}
	return e
}

func cloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = cloneEvent(e)
	}
	return out
}
