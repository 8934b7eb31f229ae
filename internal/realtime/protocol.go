// Package realtime owns the per-user push subscription: token acquisition,
// reconnect with backoff, token rotation and the single ordered stream of
// inbound envelopes.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event tags published by the backend worker.
const (
	EventDraftCreated     = "draft-created"
	EventDraftUpdated     = "draft-updated"
	EventDraftRegenerated = "draft-regenerated"
	EventGenerationQueued = "generation-queued"
	EventGenerationFailed = "generation-failed"
	EventAnalysisProgress = "analysis-progress"
	EventCompilerPreview  = "compiler-preview"
	EventCompilerApplied  = "compiler-applied"
	EventTokenRotated     = "token-rotated"

	// EventMalformed is assigned by transports to lines that are not valid
	// envelopes. Data then holds the raw line.
	EventMalformed = "malformed"
)

// ErrAuth marks a transport error caused by an expired or invalid token.
// The Manager answers it with a token refresh instead of a backoff retry.
var ErrAuth = errors.New("realtime: token rejected")

// Envelope is one inbound realtime message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Session is the connection session the envelope arrived on. Ordering
	// holds only between envelopes of the same session.
	Session uint64 `json:"-"`
}

// ChannelFor returns the subscription channel for a user.
func ChannelFor(userID string) string {
	return "user:" + userID
}

// DecodeEnvelope parses one envelope line.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope without event tag")
	}
	return env, nil
}

// Command is sent from the client to a socket gateway.
type Command struct {
	Cmd     string `json:"cmd"`
	Channel string `json:"channel,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Response is returned by a socket gateway after a subscribe command.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Response codes with special meaning.
const (
	CodeAuth = "auth"
)
