// Package protocol defines the wire envelope and message vocabulary shared by
// the orchestrator and every peer that connects to it.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for every frame exchanged with a peer. Content is
// left raw so each handler can decode it into the payload type for its
// message type.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewID mints a globally unique identifier. Used for message, task,
// connection and peer ids alike.
func NewID() string {
	return uuid.New().String()
}

// Now returns the server-assigned timestamp format used on egress.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewMessage creates a message with a fresh id and the given payload.
func NewMessage(msgType string, content any) (*Message, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:      NewID(),
		Type:    msgType,
		Content: data,
	}, nil
}

// NewReply creates a response to the given request id.
func NewReply(requestID, msgType string, content any) (*Message, error) {
	msg, err := NewMessage(msgType, content)
	if err != nil {
		return nil, err
	}
	msg.RequestID = requestID
	return msg, nil
}

// NewErrorReply creates an error response carrying a code and human message.
func NewErrorReply(requestID, code, message string) *Message {
	data, _ := json.Marshal(ErrorContent{Error: code, Message: message})
	return &Message{
		ID:        NewID(),
		Type:      TypeError,
		Content:   data,
		RequestID: requestID,
	}
}

// ParseContent decodes the content payload into v. A nil content is treated
// as an empty payload.
func (m *Message) ParseContent(v any) error {
	if len(m.Content) == 0 {
		return nil
	}
	return json.Unmarshal(m.Content, v)
}

// IsError reports whether the message carries an error, either as an error
// envelope or as an error field inside the content.
func (m *Message) IsError() bool {
	if m.Type == TypeError {
		return true
	}
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := m.ParseContent(&probe); err != nil {
		return false
	}
	return len(probe.Error) > 0 && string(probe.Error) != "null"
}

// ErrorString extracts the error reason from an error-bearing message.
func (m *Message) ErrorString() string {
	var content struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := m.ParseContent(&content); err != nil {
		return "unknown error"
	}
	if content.Error != "" {
		return content.Error
	}
	if content.Message != "" {
		return content.Message
	}
	return "unknown error"
}
