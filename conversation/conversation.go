package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrEventNotFound is returned when an event id is not in the log.
	ErrEventNotFound = errors.New("event not found")

	// ErrNotToolCall is returned when a parameter update targets an event
	// that is not a tool_call.
	ErrNotToolCall = errors.New("event is not a tool_call")

	// ErrOrphanToolResult is returned when a tool_result does not answer an
	// earlier tool_call of the same conversation.
	ErrOrphanToolResult = errors.New("tool_result without matching tool_call")
)

// Conversation is the in-memory view of a persisted session. Every mutation
// is written to the store before the in-memory copy changes. Safe for
// concurrent use.
type Conversation struct {
	mu        sync.Mutex
	id        string
	startedAt time.Time
	events    []Event

	store    Store
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// Open creates the conversation id in store, or loads it with its prior
// events if it already exists.
func Open(ctx context.Context, store Store, id string) (*Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}

	rec, err := store.Create(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation %q: %w", id, err)
	}

	return &Conversation{
		id:        rec.ID,
		startedAt: rec.StartedAt,
		events:    rec.Events,
		store:     store,
		log:       logrus.StandardLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithNotifier sets a notifier told about every committed append.
func (c *Conversation) WithNotifier(n Notifier) *Conversation {
	c.notifier = n
	return c
}

// WithLogger sets the logger used to report notifier failures.
func (c *Conversation) WithLogger(log logrus.FieldLogger) *Conversation {
	c.log = log
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// StartedAt returns when the conversation was first created.
func (c *Conversation) StartedAt() time.Time {
	return c.startedAt
}

// Append validates e, persists it, then commits it in memory. Missing ids and
// timestamps are filled in. The committed event is returned.
func (c *Conversation) Append(ctx context.Context, e Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.Type == EventToolResult && !c.hasToolCall(e.ToolCallID) {
		return Event{}, fmt.Errorf("%w: %s", ErrOrphanToolResult, e.ToolCallID)
	}
	if c.indexOf(e.ID) >= 0 {
		return Event{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidEvent, e.ID)
	}

	e = cloneEvent(e)
	if err := c.store.Append(ctx, c.id, e); err != nil {
		return Event{}, fmt.Errorf("failed to persist event: %w", err)
	}
	c.events = append(c.events, e)

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, c.id, cloneEvent(e)); err != nil {
			c.log.WithFields(logrus.Fields{
				"conversation_id": c.id,
				"event_id":        e.ID,
			}).WithError(err).Warn("failed to notify event")
		}
	}
	return cloneEvent(e), nil
}

// AddUserMessage appends a user event with the data sources in scope.
func (c *Conversation) AddUserMessage(ctx context.Context, text string, datasourceIDs []string) (Event, error) {
	return c.Append(ctx, Event{Type: EventUser, Content: text, DatasourceIDs: datasourceIDs})
}

// AddMessage appends a chat message event.
func (c *Conversation) AddMessage(ctx context.Context, role, content string) (Event, error) {
	return c.Append(ctx, Event{Type: EventMessage, Role: role, Content: content})
}

// AddSystem appends a system message event.
func (c *Conversation) AddSystem(ctx context.Context, content string) (Event, error) {
	return c.Append(ctx, Event{Type: EventSystem, Role: "system", Content: content})
}

// AddPrompt appends a prompt event.
func (c *Conversation) AddPrompt(ctx context.Context, text string) (Event, error) {
	return c.Append(ctx, Event{Type: EventPrompt, Content: text})
}

// AddLog appends a log event.
func (c *Conversation) AddLog(ctx context.Context, text string) (Event, error) {
	return c.Append(ctx, Event{Type: EventLog, Content: text})
}

// AddToolCall appends a tool_call event.
func (c *Conversation) AddToolCall(ctx context.Context, callID, toolName string, params map[string]string) (Event, error) {
	return c.Append(ctx, Event{Type: EventToolCall, ToolCallID: callID, ToolName: toolName, Parameters: params})
}

// AddToolResult appends a tool_result event answering callID.
func (c *Conversation) AddToolResult(ctx context.Context, callID, toolName, output string) (Event, error) {
	return c.Append(ctx, Event{Type: EventToolResult, ToolCallID: callID, ToolName: toolName, Output: output})
}

// Events returns a copy of the events in append order.
func (c *Conversation) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloneEvents(c.events)
}

// LastUserEvent returns the most recent user event.
func (c *Conversation) LastUserEvent() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == EventUser {
			return cloneEvent(c.events[i]), true
		}
	}
	return Event{}, false
}

// RemoveEventsAfter drops every event strictly after eventID.
func (c *Conversation) RemoveEventsAfter(ctx context.Context, eventID string) error {
	return c.rewrite(ctx, func(events []Event) ([]Event, error) {
		return truncateAfter(events, eventID)
	})
}

// UpdateToolCallParameter sets one parameter of a tool_call event.
func (c *Conversation) UpdateToolCallParameter(ctx context.Context, eventID, key, value string) error {
	return c.rewrite(ctx, func(events []Event) ([]Event, error) {
		return setParameter(events, eventID, key, value)
	})
}

// Rewind truncates after the tool_call eventID and replaces one of its
// parameters, persisting both changes in a single write.
func (c *Conversation) Rewind(ctx context.Context, eventID, key, value string) error {
	return c.rewrite(ctx, func(events []Event) ([]Event, error) {
		events, err := truncateAfter(events, eventID)
		if err != nil {
			return nil, err
		}
		return setParameter(events, eventID, key, value)
	})
}

// rewrite applies fn to a copy of the log, persists the result with one
// Replace and only then commits it.
func (c *Conversation) rewrite(ctx context.Context, fn func([]Event) ([]Event, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fn(cloneEvents(c.events))
	if err != nil {
		return err
	}
	if err := c.store.Replace(ctx, c.id, next); err != nil {
		return fmt.Errorf("failed to persist events: %w", err)
	}
	c.events = next
	return nil
}

func (c *Conversation) hasToolCall(callID string) bool {
	for _, e := range c.events {
		if e.Type == EventToolCall && e.ToolCallID == callID {
			return true
		}
	}
	return false
}

func (c *Conversation) indexOf(eventID string) int {
	return indexOf(c.events, eventID)
}

func indexOf(events []Event, eventID string) int {
	for i, e := range events {
		if e.ID == eventID {
			return i
		}
	}
	return -1
}

func truncateAfter(events []Event, eventID string) ([]Event, error) {
	i := indexOf(events, eventID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return events[:i+1], nil
}

func setParameter(events []Event, eventID, key, value string) ([]Event, error) {
	i := indexOf(events, eventID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if events[i].Type != EventToolCall {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotToolCall, eventID, events[i].Type)
	}
	if events[i].Parameters == nil {
		events[i].Parameters = make(map[string]string)
	}
	events[i].Parameters[key] = value
	return events, nil
}
