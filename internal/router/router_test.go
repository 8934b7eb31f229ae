package router

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jwulff/draftsync/internal/realtime"
)

func env(event, data string) realtime.Envelope {
	return realtime.Envelope{Event: event, Data: json.RawMessage(data), Session: 3}
}

func TestRouteDraftLifecycle(t *testing.T) {
	r := New(nil)
	for _, tag := range []string{realtime.EventDraftCreated, realtime.EventDraftUpdated, realtime.EventDraftRegenerated} {
		msg, ok := r.Route(env(tag, `{"id":"d2","sourceItemId":"100","generatedText":"hey","status":"drafted","createdAt":"2025-01-01T00:00:00Z","updatedAt":"2025-01-01T00:05:00Z"}`))
		if !ok {
			t.Fatalf("%s: dropped", tag)
		}
		ev, isDraft := msg.(DraftEvent)
		if !isDraft {
			t.Fatalf("%s: got %T, want DraftEvent", tag, msg)
		}
		if ev.Kind() != KindDraft || ev.Tag() != tag {
			t.Errorf("kind/tag = %v/%q", ev.Kind(), ev.Tag())
		}
		if ev.Record.ID != "d2" || ev.Record.SourceItemID != "100" {
			t.Errorf("record = %+v", ev.Record)
		}
		if ev.Session != 3 {
			t.Errorf("session = %d, want 3", ev.Session)
		}
	}
}

func TestRouteUnwrapsDraftEnvelope(t *testing.T) {
	r := New(nil)
	msg, ok := r.Route(env(realtime.EventDraftRegenerated, `{"draft":{"id":"d9","sourceItemId":7,"createdAt":"2025-01-01T00:00:00Z"},"reason":"feedback"}`))
	if !ok {
		t.Fatal("dropped")
	}
	ev := msg.(DraftEvent)
	if ev.Record.ID != "d9" || ev.Record.SourceItemID != "7" {
		t.Errorf("record = %+v", ev.Record)
	}
}

func TestRouteProgress(t *testing.T) {
	r := New(nil)

	msg, ok := r.Route(env(realtime.EventAnalysisProgress, `{"sourceItemId":"100","stage":"summarize","percent":55.5}`))
	if !ok {
		t.Fatal("progress dropped")
	}
	p := msg.(AnalysisProgress)
	if p.Stage != "summarize" || p.Percent != 55.5 || p.SourceItemID != "100" {
		t.Errorf("progress = %+v", p)
	}

	msg, ok = r.Route(env(realtime.EventGenerationQueued, `{"sourceItemId":"100","jobId":"j1"}`))
	if !ok || msg.(GenerationQueued).JobID != "j1" {
		t.Errorf("queued = %+v, ok=%v", msg, ok)
	}

	msg, ok = r.Route(env(realtime.EventGenerationFailed, `{"sourceItemId":"100","reason":"rate limited"}`))
	if !ok || msg.(GenerationFailed).Reason != "rate limited" {
		t.Errorf("failed = %+v, ok=%v", msg, ok)
	}
	if msg.Kind() != KindProgress {
		t.Errorf("kind = %v, want progress", msg.Kind())
	}
}

func TestRouteProgressWithNumericIDs(t *testing.T) {
	r := New(nil)

	msg, ok := r.Route(env(realtime.EventAnalysisProgress, `{"sourceItemId":100,"stage":"summarize","percent":40}`))
	if !ok {
		t.Fatal("progress with numeric item id dropped")
	}
	if p := msg.(AnalysisProgress); p.SourceItemID != "100" || p.Percent != 40 {
		t.Errorf("progress = %+v", p)
	}

	msg, ok = r.Route(env(realtime.EventGenerationQueued, `{"sourceItemId":100,"draftId":12,"jobId":77}`))
	if !ok {
		t.Fatal("queued with numeric ids dropped")
	}
	if q := msg.(GenerationQueued); q.SourceItemID != "100" || q.DraftID != "12" || q.JobID != "77" {
		t.Errorf("queued = %+v", q)
	}

	msg, ok = r.Route(env(realtime.EventGenerationFailed, `{"sourceItemId":100,"draftId":12,"reason":"quota"}`))
	if !ok {
		t.Fatal("failure with numeric ids dropped")
	}
	if f := msg.(GenerationFailed); f.SourceItemID != "100" || f.DraftID != "12" || f.Reason != "quota" {
		t.Errorf("failed = %+v", f)
	}

	if r.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", r.Dropped())
	}
}

func TestRouteDiagnosticAndUnknown(t *testing.T) {
	r := New(nil)

	msg, ok := r.Route(env(realtime.EventCompilerPreview, `{"persona":"dry"}`))
	if !ok {
		t.Fatal("diagnostic dropped")
	}
	if d, isDiag := msg.(Diagnostic); !isDiag || d.Tag() != realtime.EventCompilerPreview {
		t.Errorf("got %#v, want compiler-preview Diagnostic", msg)
	}

	msg, ok = r.Route(env("telemetry-ping", `{}`))
	if !ok {
		t.Fatal("unknown tags are not malformed")
	}
	if u, isUnknown := msg.(Unknown); !isUnknown || u.Tag() != "telemetry-ping" {
		t.Errorf("got %#v, want Unknown", msg)
	}
	if r.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", r.Dropped())
	}
}

func TestRouteDropsMalformed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New(zap.New(core))

	bad := []realtime.Envelope{
		env(realtime.EventDraftCreated, `not json`),
		env(realtime.EventDraftCreated, ``),
		env(realtime.EventDraftUpdated, `{"id":"d1","createdAt":"2025-01-01T00:00:00Z"}`),
		env(realtime.EventDraftUpdated, `{"id":"d1","sourceItemId":"1"}`),
		env(realtime.EventDraftUpdated, `{"id":["x"],"sourceItemId":"1"}`),
		env(realtime.EventAnalysisProgress, `{"stage":"x","percent":140}`),
		env(realtime.EventGenerationFailed, `"oops"`),
		env(realtime.EventMalformed, `{{{`),
	}
	for _, e := range bad {
		if msg, ok := r.Route(e); ok {
			t.Errorf("Route(%s %s) = %#v, want drop", e.Event, e.Data, msg)
		}
	}

	if got := r.Dropped(); got != int64(len(bad)) {
		t.Errorf("dropped = %d, want %d", got, len(bad))
	}
	if got := logs.FilterMessage("dropping malformed realtime message").Len(); got != len(bad) {
		t.Errorf("warn logs = %d, want %d", got, len(bad))
	}
}
