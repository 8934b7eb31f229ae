// Package store holds the canonical set of draft records, the derived
// current-draft-per-item view and the local edit overlays.
//
// Writes are reconciled by effective timestamp: a record replaces the stored
// copy for its id only when it is at least as fresh. The rule tolerates any
// reordering or duplication between push delivery and full fetches, so the
// store never needs to know which path a record came from.
package store

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/draft"
)

var (
	ErrInvalidRecord = errors.New("invalid draft record")
	ErrUnknownDraft  = errors.New("unknown draft")
)

// Source says which path produced a change.
type Source int

const (
	SourcePush Source = iota
	SourceFetch
	SourceSave
	SourceEdit
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourceFetch:
		return "fetch"
	case SourceSave:
		return "save"
	case SourceEdit:
		return "edit"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Change is delivered to listeners after a mutation completes. Records holds
// the records whose canonical copy or overlay changed.
type Change struct {
	Source  Source
	Records []draft.Record
}

// Overlay is an unsaved local edit. It only affects display.
type Overlay struct {
	DraftID        string
	Text           string
	ExtraParams    map[string]any
	LocalTimestamp time.Time
}

// View is a record with its overlay resolved for display.
type View struct {
	Record  draft.Record
	Overlay *Overlay
	Text    string
}

type entry struct {
	rec draft.Record
	ts  time.Time
	seq uint64
}

// Store is safe for concurrent use. Every mutation runs to completion under
// one mutex before listeners are invoked.
type Store struct {
	mu       sync.Mutex
	records  map[string]*entry
	byItem   map[string]map[string]struct{}
	overlays map[string]Overlay
	seq      uint64

	listenerMu sync.Mutex
	listeners  map[int]func(Change)
	nextID     int

	now func() time.Time
	log *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp overlays.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]*entry),
		byItem:    make(map[string]map[string]struct{}),
		overlays:  make(map[string]Overlay),
		listeners: make(map[int]func(Change)),
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn for every completed mutation. The returned func
// unregisters it.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	if len(c.Records) == 0 {
		return
	}
	s.listenerMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Upsert applies a pushed record. It reports whether the record was accepted.
func (s *Store) Upsert(rec draft.Record) (bool, error) {
	if err := validate(rec); err != nil {
		return false, err
	}
	s.mu.Lock()
	accepted := s.apply(rec)
	s.mu.Unlock()

	if accepted {
		s.notify(Change{Source: SourcePush, Records: []draft.Record{rec}})
	}
	return accepted, nil
}

// UpsertAll applies a full fetch in one critical section and emits at most one
// change. Invalid records are skipped and logged. It returns the number of
// records accepted.
func (s *Store) UpsertAll(recs []draft.Record) int {
	var changed []draft.Record

	s.mu.Lock()
	for _, rec := range recs {
		if err := validate(rec); err != nil {
			s.log.Warn("skipping fetched draft", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if s.apply(rec) {
			changed = append(changed, rec)
		}
	}
	s.mu.Unlock()

	s.notify(Change{Source: SourceFetch, Records: changed})
	return len(changed)
}

// CompleteSave merges the server's response to a save and clears the draft's
// overlay.
func (s *Store) CompleteSave(rec draft.Record) (bool, error) {
	if err := validate(rec); err != nil {
		return false, err
	}
	s.mu.Lock()
	accepted := s.apply(rec)
	_, hadOverlay := s.overlays[rec.ID]
	delete(s.overlays, rec.ID)
	current := s.records[rec.ID].rec
	s.mu.Unlock()

	if accepted || hadOverlay {
		s.notify(Change{Source: SourceSave, Records: []draft.Record{current}})
	}
	return accepted, nil
}

func validate(rec draft.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if rec.SourceItemID == "" {
		return fmt.Errorf("%w: draft %s missing sourceItemId", ErrInvalidRecord, rec.ID)
	}
	return nil
}

// apply must be called with s.mu held.
func (s *Store) apply(rec draft.Record) bool {
	ts := rec.EffectiveTime()

	e, ok := s.records[rec.ID]
	if ok {
		if ts.Before(e.ts) {
			s.log.Debug("ignoring stale draft",
				zap.String("id", rec.ID),
				zap.Time("incoming", ts),
				zap.Time("stored", e.ts),
			)
			return false
		}
		if reflect.DeepEqual(e.rec, rec) {
			return false
		}
		if e.rec.SourceItemID != rec.SourceItemID {
			s.unindex(e.rec.SourceItemID, rec.ID)
		}
	} else {
		e = &entry{}
		s.records[rec.ID] = e
	}

	s.seq++
	e.rec, e.ts, e.seq = rec, ts, s.seq
	s.index(rec.SourceItemID, rec.ID)

	if o, has := s.overlays[rec.ID]; has && ts.After(o.LocalTimestamp) {
		delete(s.overlays, rec.ID)
	}
	return true
}

func (s *Store) index(itemID, id string) {
	ids, ok := s.byItem[itemID]
	if !ok {
		ids = make(map[string]struct{})
		s.byItem[itemID] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) unindex(itemID, id string) {
	ids := s.byItem[itemID]
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.byItem, itemID)
	}
}

// Get returns any retained record, current or not.
func (s *Store) Get(id string) (draft.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return draft.Record{}, false
	}
	return e.rec, true
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// newer orders entries by effective timestamp, then by insertion sequence.
func newer(a, b *entry) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.After(b.ts)
	}
	return a.seq > b.seq
}

func (s *Store) current(itemID string) *entry {
	var best *entry
	for id := range s.byItem[itemID] {
		e := s.records[id]
		if best == nil || newer(e, best) {
			best = e
		}
	}
	return best
}

// CurrentDraftForItem returns the record surfaced for itemID.
func (s *Store) CurrentDraftForItem(itemID string) (draft.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.current(itemID)
	if e == nil {
		return draft.Record{}, false
	}
	return e.rec, true
}

func (s *Store) currentEntries() []*entry {
	out := make([]*entry, 0, len(s.byItem))
	for itemID := range s.byItem {
		if e := s.current(itemID); e != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out
}

// CurrentDrafts returns one current record per item, newest first.
func (s *Store) CurrentDrafts() []draft.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.currentEntries()
	out := make([]draft.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// History returns every retained record for itemID, newest first.
func (s *Store) History(itemID string) []draft.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*entry, 0, len(s.byItem[itemID]))
	for id := range s.byItem[itemID] {
		entries = append(entries, s.records[id])
	}
	sort.Slice(entries, func(i, j int) bool { return newer(entries[i], entries[j]) })
	out := make([]draft.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// LocalEdit shadows the draft's text with an unsaved edit.
func (s *Store) LocalEdit(draftID, text string, extraParams map[string]any) (Overlay, error) {
	s.mu.Lock()
	e, ok := s.records[draftID]
	if !ok {
		s.mu.Unlock()
		return Overlay{}, fmt.Errorf("%w: %s", ErrUnknownDraft, draftID)
	}
	o := Overlay{
		DraftID:        draftID,
		Text:           text,
		ExtraParams:    extraParams,
		LocalTimestamp: s.now(),
	}
	s.overlays[draftID] = o
	rec := e.rec
	s.mu.Unlock()

	s.notify(Change{Source: SourceEdit, Records: []draft.Record{rec}})
	return o, nil
}

// DiscardEdit drops the draft's overlay. It reports whether one existed.
func (s *Store) DiscardEdit(draftID string) bool {
	s.mu.Lock()
	_, ok := s.overlays[draftID]
	delete(s.overlays, draftID)
	var rec draft.Record
	if e, known := s.records[draftID]; known {
		rec = e.rec
	}
	s.mu.Unlock()

	if ok && rec.ID != "" {
		s.notify(Change{Source: SourceEdit, Records: []draft.Record{rec}})
	}
	return ok
}

// Overlay returns the draft's pending local edit.
func (s *Store) Overlay(draftID string) (Overlay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overlays[draftID]
	return o, ok
}

func (s *Store) view(e *entry) View {
	v := View{Record: e.rec, Text: e.rec.DisplayText()}
	if o, ok := s.overlays[e.rec.ID]; ok {
		v.Overlay = &o
		v.Text = o.Text
	}
	return v
}

// View returns the draft with its overlay resolved.
func (s *Store) View(draftID string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[draftID]
	if !ok {
		return View{}, false
	}
	return s.view(e), true
}

// CurrentViewForItem returns the current draft for itemID with its overlay
// resolved.
func (s *Store) CurrentViewForItem(itemID string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.current(itemID)
	if e == nil {
		return View{}, false
	}
	return s.view(e), true
}

// CurrentViews returns a view of every current draft, newest first.
func (s *Store) CurrentViews() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.currentEntries()
	out := make([]View, len(entries))
	for i, e := range entries {
		out[i] = s.view(e)
	}
	return out
}
