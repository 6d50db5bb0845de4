package push

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventName string

const (
	ExecutionStatus    EventName = "execution_status"
	ExecutionProgress  EventName = "execution_progress"
	ExecutionComplete  EventName = "execution_complete"
	ExecutionCancelled EventName = "execution_cancelled"
	NodePingResult     EventName = "node_ping_result"
)

// Event is one decoded push frame.
type Event struct {
	Name            EventName `json:"event"`
	ExecutionID     int64     `json:"execution_id,omitempty"`
	NodeID          int64     `json:"node_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	Sequence        int64     `json:"sequence,omitempty"`
	Message         string    `json:"message,omitempty"`
	CurrentPlaybook string    `json:"current_playbook,omitempty"`
	Output          string    `json:"output,omitempty"`
	Errors          string    `json:"errors,omitempty"`
	Success         *bool     `json:"success,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type payload struct {
	ExecutionID     *int64  `json:"execution_id"`
	NodeID          *int64  `json:"node_id"`
	ID              *int64  `json:"id"`
	Status          string  `json:"status"`
	Sequence        int64   `json:"sequence"`
	Message         string  `json:"message"`
	CurrentPlaybook string  `json:"current_playbook"`
	Output          *string `json:"output"`
	Errors          *string `json:"errors"`
	Error           string  `json:"error"`
	Success         *bool   `json:"success"`
}

// Decode parses a {"event": ..., "data": {...}} frame.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return Event{}, fmt.Errorf("frame has no event name")
	}

	var p payload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("malformed %s payload: %w", env.Event, err)
		}
	}

	ev := Event{
		Name:            EventName(env.Event),
		Status:          p.Status,
		Sequence:        p.Sequence,
		Message:         p.Message,
		CurrentPlaybook: p.CurrentPlaybook,
		Success:         p.Success,
		ReceivedAt:      time.Now(),
	}
	if p.Output != nil {
		ev.Output = *p.Output
	}
	switch {
	case p.Errors != nil:
		ev.Errors = *p.Errors
	case p.Error != "":
		ev.Errors = p.Error
	}

	switch ev.Name {
	case NodePingResult:
		switch {
		case p.NodeID != nil:
			ev.NodeID = *p.NodeID
		case p.ID != nil:
			ev.NodeID = *p.ID
		default:
			return Event{}, fmt.Errorf("%s without node id", ev.Name)
		}
	case ExecutionStatus, ExecutionProgress, ExecutionComplete, ExecutionCancelled:
		switch {
		case p.ExecutionID != nil:
			ev.ExecutionID = *p.ExecutionID
		case p.ID != nil:
			ev.ExecutionID = *p.ID
		default:
			return Event{}, fmt.Errorf("%s without execution id", ev.Name)
		}
	}
	return ev, nil
}
