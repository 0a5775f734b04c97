// Package protocol defines the JSON event envelope exchanged between the
// server and browser clients over the WebSocket transport. Every frame is
// a single JSON object {"event": <name>, "data": <payload>}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names (Client → Server)
const (
	EventUserJoined    = "user joined"
	EventChatMessage   = "chat message" // also Server → Client
	EventFileUploaded  = "file uploaded"
	EventAdminClearAll = "admin clear all"
)

// Event names (Server → Client)
const (
	EventLoginSuccessful = "login successful"
	EventLoginFailed     = "login failed"
	EventLoadHistory     = "load history"
	EventChatCleared     = "chat cleared"
)

// SystemUsername is the author attached to join/leave notices.
const SystemUsername = "System"

// ReasonInvalidAdminCredentials is the rejection reason sent when the
// reserved admin username is presented with a wrong secret.
const ReasonInvalidAdminCredentials = "invalid admin credentials"

var errEmptyEvent = errors.New("envelope missing event name")

// Envelope is the wire frame wrapping every event
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest asks to authenticate the connection under a display name.
// Password is only consulted when the username matches the reserved
// admin identity.
type JoinRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// ChatRequest carries a chat message from an authenticated client
type ChatRequest struct {
	Text string `json:"text"`
}

// FileUploadedRequest notifies the room that the sender finished an
// upload. FilePath and IsImage come from the upload endpoint's response.
type FileUploadedRequest struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	IsImage  bool   `json:"isImage"`
}

// LoginSuccessful confirms authentication to the joining connection only
type LoginSuccessful struct {
	IsAdmin bool `json:"isAdmin"`
}

// LoginFailed rejects authentication; the server closes the connection
// after sending it.
type LoginFailed struct {
	Reason string `json:"reason"`
}

// ChatMessage is the broadcast form of a chat, file, or system event
type ChatMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	IsAdmin  bool   `json:"isAdmin"`
}

// LoadHistory replays recent messages to a newly connected client,
// oldest first.
type LoadHistory struct {
	Messages []ChatMessage `json:"messages"`
}

// Encode wraps a payload in an envelope and marshals it
func Encode(event string, payload interface{}) ([]byte, error) {
	if event == "" {
		return nil, errEmptyEvent
	}

	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %q payload: %w", event, err)
		}
		env.Data = data
	}

	return json.Marshal(&env)
}

// Decode parses a raw frame into an envelope
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, errEmptyEvent
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into v
func (e *Envelope) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %q has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %q payload: %w", e.Event, err)
	}
	return nil
}
