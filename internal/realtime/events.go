package realtime

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Entity kinds carried on the organization channel. The set is closed;
// unknown entities in incoming frames are dropped with a log line.
const (
	EntityTask    = "task"
	EntityContact = "contact"
	EntityDeal    = "deal"
	EntityNote    = "note"
)

var domainEntities = []string{EntityTask, EntityContact, EntityDeal, EntityNote}

// Action is the lifecycle verb suffix of a domain event name.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

var actions = []Action{ActionCreated, ActionUpdated, ActionDeleted}

// AgentEventKind mirrors the wire-level agent session event names.
type AgentEventKind string

const (
	AgentMessage          AgentEventKind = "message"
	AgentToolCall         AgentEventKind = "tool_call"
	AgentApprovalRequired AgentEventKind = "approval_required"
	AgentSessionEnded     AgentEventKind = "session_ended"
)

var agentEventKinds = []AgentEventKind{AgentMessage, AgentToolCall, AgentApprovalRequired, AgentSessionEnded}

// DomainEvent is an "invalidate and refetch" hint about one business entity.
// The payload is the raw server data; consumers refetch rather than trust it
// as the source of truth.
type DomainEvent struct {
	Entity   string
	Action   Action
	EntityID string
	Payload  json.RawMessage
}

type CalendarEvent struct {
	Action  Action
	EventID string
	Payload json.RawMessage
}

type AgentEvent struct {
	Kind      AgentEventKind
	SessionID string
	Payload   json.RawMessage
}

type Notification struct {
	ID      string
	Title   string
	Body    string
	Payload json.RawMessage
}

// PresenceEvent signals membership changes on the presence channel.
type PresenceEvent struct {
	UserID string
	Joined bool
}

// parseDomainEvent splits "<entity>.<action>" and extracts the entity id
// from the payload. ok is false for names outside the closed entity set.
func parseDomainEvent(event string, data json.RawMessage) (DomainEvent, bool) {
	entity, action, found := strings.Cut(event, ".")
	if !found {
		return DomainEvent{}, false
	}
	known := false
	for _, e := range domainEntities {
		if e == entity {
			known = true
			break
		}
	}
	if !known || !validAction(Action(action)) {
		return DomainEvent{}, false
	}
	return DomainEvent{
		Entity:   entity,
		Action:   Action(action),
		EntityID: gjson.GetBytes(data, "id").String(),
		Payload:  data,
	}, true
}

// calendar events arrive as "calendar.event.<action>".
func parseCalendarEvent(event string, data json.RawMessage) (CalendarEvent, bool) {
	action, ok := strings.CutPrefix(event, "calendar.event.")
	if !ok || !validAction(Action(action)) {
		return CalendarEvent{}, false
	}
	return CalendarEvent{
		Action:  Action(action),
		EventID: gjson.GetBytes(data, "id").String(),
		Payload: data,
	}, true
}

func parseAgentEvent(event string, data json.RawMessage) (AgentEvent, bool) {
	for _, kind := range agentEventKinds {
		if string(kind) == event {
			return AgentEvent{
				Kind:      kind,
				SessionID: gjson.GetBytes(data, "session_id").String(),
				Payload:   data,
			}, true
		}
	}
	return AgentEvent{}, false
}

func parseNotification(data json.RawMessage) Notification {
	parsed := gjson.ParseBytes(data)
	return Notification{
		ID:      parsed.Get("id").String(),
		Title:   parsed.Get("title").String(),
		Body:    parsed.Get("body").String(),
		Payload: data,
	}
}

func validAction(a Action) bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}
