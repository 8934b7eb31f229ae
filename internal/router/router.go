// Package router classifies realtime envelopes into typed messages. It never
// fails the stream: anything it cannot make sense of is logged and dropped.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/realtime"
)

// Kind groups messages by what the client does with them.
type Kind int

const (
	KindDraft Kind = iota
	KindProgress
	KindDiagnostic
	KindUnknown
)

// Message is one classified envelope. The concrete types below form a closed
// set.
type Message interface {
	Tag() string
	Kind() Kind
	sealed()
}

// DraftEvent carries a draft-created, draft-updated or draft-regenerated
// record.
type DraftEvent struct {
	Event   string
	Record  draft.Record
	Session uint64
}

// AnalysisProgress reports source item analysis progress.
type AnalysisProgress struct {
	SourceItemID string  `json:"sourceItemId"`
	Stage        string  `json:"stage"`
	Percent      float64 `json:"percent"`
}

// GenerationQueued reports a generation job accepted by the worker.
type GenerationQueued struct {
	SourceItemID string `json:"sourceItemId"`
	DraftID      string `json:"draftId"`
	JobID        string `json:"jobId"`
}

// GenerationFailed reports a generation job that failed on the worker.
type GenerationFailed struct {
	SourceItemID string `json:"sourceItemId"`
	DraftID      string `json:"draftId"`
	Reason       string `json:"reason"`
}

// Diagnostic carries compiler previews and transport notices verbatim.
type Diagnostic struct {
	Event string
	Raw   json.RawMessage
}

// Unknown is any tag the router does not recognize.
type Unknown struct {
	Event string
	Raw   json.RawMessage
}

func (m DraftEvent) Tag() string       { return m.Event }
func (m AnalysisProgress) Tag() string { return realtime.EventAnalysisProgress }
func (m GenerationQueued) Tag() string { return realtime.EventGenerationQueued }
func (m GenerationFailed) Tag() string { return realtime.EventGenerationFailed }
func (m Diagnostic) Tag() string       { return m.Event }
func (m Unknown) Tag() string          { return m.Event }

func (DraftEvent) Kind() Kind       { return KindDraft }
func (AnalysisProgress) Kind() Kind { return KindProgress }
func (GenerationQueued) Kind() Kind { return KindProgress }
func (GenerationFailed) Kind() Kind { return KindProgress }
func (Diagnostic) Kind() Kind       { return KindDiagnostic }
func (Unknown) Kind() Kind          { return KindUnknown }

// UnmarshalJSON accepts numeric ids.
func (p *AnalysisProgress) UnmarshalJSON(data []byte) error {
	type plain AnalysisProgress
	var aux struct {
		plain
		SourceItemID draft.ID `json:"sourceItemId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = AnalysisProgress(aux.plain)
	p.SourceItemID = string(aux.SourceItemID)
	return nil
}

// UnmarshalJSON accepts numeric ids.
func (q *GenerationQueued) UnmarshalJSON(data []byte) error {
	type plain GenerationQueued
	var aux struct {
		plain
		SourceItemID draft.ID `json:"sourceItemId"`
		DraftID      draft.ID `json:"draftId"`
		JobID        draft.ID `json:"jobId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*q = GenerationQueued(aux.plain)
	q.SourceItemID = string(aux.SourceItemID)
	q.DraftID = string(aux.DraftID)
	q.JobID = string(aux.JobID)
	return nil
}

// UnmarshalJSON accepts numeric ids.
func (f *GenerationFailed) UnmarshalJSON(data []byte) error {
	type plain GenerationFailed
	var aux struct {
		plain
		SourceItemID draft.ID `json:"sourceItemId"`
		DraftID      draft.ID `json:"draftId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*f = GenerationFailed(aux.plain)
	f.SourceItemID = string(aux.SourceItemID)
	f.DraftID = string(aux.DraftID)
	return nil
}

func (DraftEvent) sealed()       {}
func (AnalysisProgress) sealed() {}
func (GenerationQueued) sealed() {}
func (GenerationFailed) sealed() {}
func (Diagnostic) sealed()       {}
func (Unknown) sealed()          {}

var errMissingIdentity = errors.New("draft without id or sourceItemId")

// Router classifies envelopes.
type Router struct {
	log     *zap.Logger
	dropped atomic.Int64
}

// New returns a Router. A nil logger discards logs.
func New(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{log: log}
}

// Dropped returns how many envelopes were discarded as malformed.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

// Route classifies env. ok is false when the envelope was malformed and has
// been dropped.
func (r *Router) Route(env realtime.Envelope) (msg Message, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.drop(env, fmt.Errorf("panic: %v", p))
			msg, ok = nil, false
		}
	}()

	msg, err := classify(env)
	if err != nil {
		r.drop(env, err)
		return nil, false
	}
	return msg, true
}

func (r *Router) drop(env realtime.Envelope, err error) {
	r.dropped.Add(1)
	r.log.Warn("dropping malformed realtime message",
		zap.String("event", env.Event),
		zap.Uint64("session", env.Session),
		zap.Int("bytes", len(env.Data)),
		zap.Error(err),
	)
}

func classify(env realtime.Envelope) (Message, error) {
	switch env.Event {
	case realtime.EventMalformed:
		return nil, errors.New("undecodable envelope")

	case realtime.EventDraftCreated, realtime.EventDraftUpdated, realtime.EventDraftRegenerated:
		rec, err := unwrapDraft(env.Data)
		if err != nil {
			return nil, err
		}
		return DraftEvent{Event: env.Event, Record: rec, Session: env.Session}, nil

	case realtime.EventAnalysisProgress:
		var p AnalysisProgress
		if err := decode(env.Data, &p); err != nil {
			return nil, err
		}
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("percent %v out of range", p.Percent)
		}
		return p, nil

	case realtime.EventGenerationQueued:
		var q GenerationQueued
		if err := decode(env.Data, &q); err != nil {
			return nil, err
		}
		return q, nil

	case realtime.EventGenerationFailed:
		var f GenerationFailed
		if err := decode(env.Data, &f); err != nil {
			return nil, err
		}
		return f, nil

	case realtime.EventCompilerPreview, realtime.EventCompilerApplied, realtime.EventTokenRotated:
		return Diagnostic{Event: env.Event, Raw: env.Data}, nil
	}
	return Unknown{Event: env.Event, Raw: env.Data}, nil
}

// unwrapDraft accepts either the record itself or {"draft": {...}}.
func unwrapDraft(data json.RawMessage) (draft.Record, error) {
	var wrapper struct {
		Draft json.RawMessage `json:"draft"`
	}
	if err := decode(data, &wrapper); err != nil {
		return draft.Record{}, err
	}
	body := data
	if len(wrapper.Draft) > 0 && !bytes.Equal(wrapper.Draft, []byte("null")) {
		body = wrapper.Draft
	}

	var rec draft.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return draft.Record{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	if rec.ID == "" || rec.SourceItemID == "" {
		return draft.Record{}, errMissingIdentity
	}
	if rec.EffectiveTime().IsZero() {
		return draft.Record{}, fmt.Errorf("draft %s without usable timestamp", rec.ID)
	}
	return rec, nil
}

func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
