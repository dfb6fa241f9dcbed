package ws

import (
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/wakewatch/internal/monitor"
	"github.com/HerbHall/wakewatch/internal/presence"
)

// MessageType discriminates WebSocket messages. Event types match the bus
// topics they are built from.
type MessageType string

const (
	MessageStatus        MessageType = "monitor.status"
	MessageStateChanged  MessageType = monitor.TopicStateChanged
	MessagePresence      MessageType = presence.TopicChanged
	MessageWakeProcessed MessageType = monitor.TopicWakeProcessed
)

var knownTypes = map[MessageType]bool{
	MessageStatus:        true,
	MessageStateChanged:  true,
	MessagePresence:      true,
	MessageWakeProcessed: true,
}

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// StateChangedData is the payload for monitor.state_changed messages.
type StateChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WakeProcessedData is the payload for wake.processed messages.
type WakeProcessedData struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Success   bool   `json:"success"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// ParseTopics parses a comma-separated list of message types, as given in
// the ?topics= query parameter. An empty list selects every type and
// yields a nil filter.
func ParseTopics(raw string) (map[MessageType]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	topics := make(map[MessageType]bool)
	for _, part := range strings.Split(raw, ",") {
		t := MessageType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !knownTypes[t] {
			return nil, fmt.Errorf("unknown topic %q", t)
		}
		topics[t] = true
	}
	if len(topics) == 0 {
		return nil, nil
	}
	return topics, nil
}

func stateChangedMessage(ts time.Time, sc monitor.StateChange) Message {
	return Message{
		Type:      MessageStateChanged,
		Timestamp: ts,
		Data:      StateChangedData{From: sc.From.String(), To: sc.To.String()},
	}
}

func wakeProcessedMessage(ts time.Time, res monitor.WakeResult) Message {
	data := WakeProcessedData{
		ID:       res.ID,
		Source:   res.Source,
		Success:  res.Success,
		Attempts: len(res.Attempts),
	}
	if n := len(res.Attempts); n > 0 {
		data.LastError = res.Attempts[n-1].Error
	}
	return Message{Type: MessageWakeProcessed, Timestamp: ts, Data: data}
}
