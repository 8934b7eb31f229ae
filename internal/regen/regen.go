// Package regen coordinates regeneration requests. A request is resolved by
// whichever arrives first: a pushed record for the item that is fresher than
// the request, or the same record found by a bounded poll of the draft list.
package regen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/sched"
	"github.com/jwulff/draftsync/internal/store"
)

var (
	ErrRejected        = errors.New("regeneration rejected")
	ErrStillProcessing = errors.New("regeneration still processing")
	ErrSuperseded      = errors.New("regeneration superseded")
	ErrNoDraft         = errors.New("no current draft for item")
	ErrPending         = errors.New("regeneration pending")
	ErrClosed          = errors.New("coordinator closed")
)

// Commander issues the regenerate command. accepted is false when the
// backend declined the request.
type Commander interface {
	Regenerate(ctx context.Context, draftID string, snap draft.ItemSnapshot, feedback string) (accepted bool, err error)
}

// Lister fetches the authoritative draft list.
type Lister interface {
	ListDrafts(ctx context.Context) ([]draft.Record, error)
}

// State is the per-item regeneration state.
type State int

const (
	Idle State = iota
	Requested
	AwaitingFresherRecord
	Resolved
	TimedOut
	Superseded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case AwaitingFresherRecord:
		return "awaiting-fresher-record"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed-out"
	case Superseded:
		return "superseded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Pending describes an in-flight request.
type Pending struct {
	SourceItemID     string
	DraftID          string
	RequestStartedAt time.Time
	Attempts         int
	MaxAttempts      int
	State            State
}

// Config bounds the poll fallback.
type Config struct {
	PollAttempts int
	PollInterval time.Duration
	ClockSkew    time.Duration
}

// DefaultConfig returns 10 polls at 3s with 2s of clock skew tolerance.
func DefaultConfig() Config {
	return Config{PollAttempts: 10, PollInterval: 3 * time.Second, ClockSkew: 2 * time.Second}
}

// Ticket is the outcome of one request.
type Ticket struct {
	ItemID  string
	DraftID string

	done  chan struct{}
	once  sync.Once
	rec   draft.Record
	err   error
	state State
}

func newTicket(itemID, draftID string) *Ticket {
	return &Ticket{ItemID: itemID, DraftID: draftID, done: make(chan struct{})}
}

func (t *Ticket) complete(rec draft.Record, err error, state State) {
	t.once.Do(func() {
		t.rec, t.err, t.state = rec, err, state
		close(t.done)
	})
}

// Done is closed once the request is resolved, timed out or superseded.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the fresher record, or ErrPending while in flight.
func (t *Ticket) Result() (draft.Record, error) {
	select {
	case <-t.done:
		return t.rec, t.err
	default:
		return draft.Record{}, ErrPending
	}
}

// State returns the final state, or AwaitingFresherRecord while in flight.
func (t *Ticket) State() State {
	select {
	case <-t.done:
		return t.state
	default:
		return AwaitingFresherRecord
	}
}

// Wait blocks until the ticket completes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (draft.Record, error) {
	select {
	case <-t.done:
		return t.rec, t.err
	case <-ctx.Done():
		return draft.Record{}, ctx.Err()
	}
}

type job struct {
	pending  Pending
	baseline time.Time
	ticket   *Ticket
	poller   *sched.Task
}

// Coordinator runs at most one regeneration per item.
type Coordinator struct {
	store *store.Store
	cmd   Commander
	list  Lister
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup

	itemMu sync.Mutex
	items  map[string]*itemLock

	mu      sync.Mutex
	active  map[string]*job
	pollers map[string]int
	closed  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock sets the clock used to stamp requests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator observing st.
func New(st *store.Store, cmd Commander, list Lister, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   st,
		cmd:     cmd,
		list:    list,
		cfg:     cfg,
		log:     zap.NewNop(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		items:   make(map[string]*itemLock),
		active:  make(map[string]*job),
		pollers: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsub = st.OnChange(c.observe)
	return c
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

// lockItem serializes Regenerate calls for itemID. The returned func
// unlocks, dropping the entry once no caller holds or waits on it.
func (c *Coordinator) lockItem(itemID string) (unlock func()) {
	c.itemMu.Lock()
	l, ok := c.items[itemID]
	if !ok {
		l = &itemLock{}
		c.items[itemID] = l
	}
	l.refs++
	c.itemMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.itemMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.items, itemID)
		}
		c.itemMu.Unlock()
	}
}

// Regenerate supersedes any in-flight request for itemID, issues the
// regenerate command for the item's current draft and returns a ticket that
// completes when a fresher record is observed. A declined or failed command
// returns ErrRejected with no ticket.
func (c *Coordinator) Regenerate(ctx context.Context, itemID, feedback string) (*Ticket, error) {
	unlock := c.lockItem(itemID)
	defer unlock()

	cur, ok := c.store.CurrentDraftForItem(itemID)

	// Close must not run between the closed check and the insert
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoDraft, itemID)
	}
	j := &job{
		pending: Pending{
			SourceItemID: itemID,
			DraftID:      cur.ID,
			MaxAttempts:  c.cfg.PollAttempts,
			State:        Requested,
		},
		baseline: cur.EffectiveTime(),
		ticket:   newTicket(itemID, cur.ID),
	}
	prev := c.active[itemID]
	c.active[itemID] = j
	c.mu.Unlock()

	if prev != nil {
		c.log.Info("superseding regeneration",
			zap.String("item", itemID),
			zap.String("draft", prev.pending.DraftID),
		)
		prev.ticket.complete(draft.Record{}, ErrSuperseded, Superseded)
		prev.poller.Stop()
	}

	accepted, err := c.cmd.Regenerate(ctx, cur.ID, cur.Snapshot(), feedback)
	if err != nil || !accepted {
		c.mu.Lock()
		if c.active[itemID] == j {
			delete(c.active, itemID)
		}
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, fmt.Errorf("%w: draft %s not accepted", ErrRejected, cur.ID)
	}

	c.mu.Lock()
	if c.closed || c.active[itemID] != j {
		// closed while the command was in flight
		c.mu.Unlock()
		j.ticket.complete(draft.Record{}, ErrClosed, Superseded)
		return j.ticket, nil
	}
	j.pending.RequestStartedAt = c.now()
	j.pending.State = AwaitingFresherRecord
	c.pollers[itemID]++
	c.wg.Add(1)
	j.poller = sched.Go(c.ctx, func(ctx context.Context) {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.pollers[itemID]--
			if c.pollers[itemID] == 0 {
				delete(c.pollers, itemID)
			}
			c.mu.Unlock()
		}()
		c.poll(ctx, j)
	})
	c.mu.Unlock()

	c.log.Info("regeneration requested",
		zap.String("item", itemID),
		zap.String("draft", cur.ID),
	)

	// a push may have landed while the command was in flight
	c.checkStore(j)
	return j.ticket, nil
}

func (c *Coordinator) poll(ctx context.Context, j *job) {
	itemID := j.pending.SourceItemID
	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		if err := sched.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return
		}

		c.mu.Lock()
		j.pending.Attempts = attempt
		c.mu.Unlock()

		recs, err := c.list.ListDrafts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("regeneration poll failed",
				zap.String("item", itemID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		c.store.UpsertAll(recs)
		if c.checkStore(j) {
			return
		}
	}

	if c.finish(j, draft.Record{}, ErrStillProcessing, TimedOut) {
		c.log.Warn("regeneration timed out",
			zap.String("item", itemID),
			zap.Int("attempts", c.cfg.PollAttempts),
		)
	}
}

// fresh reports whether rec answers j. The record must be no older than the
// request minus the skew tolerance, and must not be the unchanged draft the
// request targeted.
func (c *Coordinator) fresh(j *job, rec draft.Record) bool {
	if rec.SourceItemID != j.pending.SourceItemID {
		return false
	}
	ts := rec.EffectiveTime()
	if ts.Before(j.pending.RequestStartedAt.Add(-c.cfg.ClockSkew)) {
		return false
	}
	return rec.ID != j.pending.DraftID || ts.After(j.baseline)
}

func (c *Coordinator) checkStore(j *job) bool {
	rec, ok := c.store.CurrentDraftForItem(j.pending.SourceItemID)
	if !ok {
		return false
	}
	return c.resolve(j, rec)
}

func (c *Coordinator) resolve(j *job, rec draft.Record) bool {
	c.mu.Lock()
	awaiting := c.active[j.pending.SourceItemID] == j && j.pending.State == AwaitingFresherRecord
	ok := awaiting && c.fresh(j, rec)
	c.mu.Unlock()
	if !ok {
		return false
	}
	if c.finish(j, rec, nil, Resolved) {
		c.log.Info("regeneration resolved",
			zap.String("item", rec.SourceItemID),
			zap.String("draft", rec.ID),
		)
	}
	return true
}

// finish removes j and completes its ticket. It cancels the poller without
// waiting, since it may run on the poller's own goroutine.
func (c *Coordinator) finish(j *job, rec draft.Record, err error, state State) bool {
	c.mu.Lock()
	if c.active[j.pending.SourceItemID] != j {
		c.mu.Unlock()
		return false
	}
	delete(c.active, j.pending.SourceItemID)
	j.pending.State = state
	c.mu.Unlock()

	j.ticket.complete(rec, err, state)
	j.poller.Cancel()
	return true
}

func (c *Coordinator) observe(ch store.Change) {
	if ch.Source == store.SourceEdit {
		return
	}
	for _, rec := range ch.Records {
		c.mu.Lock()
		j := c.active[rec.SourceItemID]
		c.mu.Unlock()
		if j != nil {
			c.resolve(j, rec)
		}
	}
}

// Pending returns the in-flight request for itemID.
func (c *Coordinator) Pending(itemID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.active[itemID]
	if !ok {
		return Pending{}, false
	}
	return j.pending, true
}

// ActivePollers returns the number of running pollers for itemID.
func (c *Coordinator) ActivePollers(itemID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollers[itemID]
}

// Close cancels every in-flight request and waits for pollers to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	jobs := make([]*job, 0, len(c.active))
	for _, j := range c.active {
		jobs = append(jobs, j)
	}
	c.active = make(map[string]*job)
	c.mu.Unlock()

	c.unsub()
	for _, j := range jobs {
		j.ticket.complete(draft.Record{}, ErrClosed, Superseded)
	}
	c.cancel()
	c.wg.Wait()
}
