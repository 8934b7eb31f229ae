// Package client wires the realtime Manager, the Router, the Store and the
// regeneration Coordinator into the consumer-facing draft client.
//
// One goroutine drains the Manager's event stream for the client's lifetime.
// Every envelope is routed and applied to the Store before the next one is
// read. Reconnects and a cron schedule trigger a full re-fetch, which the
// Store reconciles with whatever was pushed in the meantime.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/realtime"
	"github.com/jwulff/draftsync/internal/regen"
	"github.com/jwulff/draftsync/internal/router"
	"github.com/jwulff/draftsync/internal/sched"
	"github.com/jwulff/draftsync/internal/store"
)

var (
	ErrNoEdit = errors.New("no local edit to save")
	ErrClosed = errors.New("client closed")
)

// Saver persists a draft edit and returns the server's record.
type Saver interface {
	SaveDraft(ctx context.Context, draftID, text string, params map[string]any) (draft.Record, error)
}

// Deps are the client's collaborators.
type Deps struct {
	Transport realtime.Transport
	Tokens    realtime.TokenSource
	Commander regen.Commander
	Lister    regen.Lister
	Saver     Saver
}

type options struct {
	log            *zap.Logger
	managerOpts    []realtime.Option
	regen          regen.Config
	resyncSchedule string
	fetchTimeout   time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithManagerOptions passes options to the realtime Manager.
func WithManagerOptions(opts ...realtime.Option) Option {
	return func(o *options) { o.managerOpts = append(o.managerOpts, opts...) }
}

// WithRegenConfig sets the poll fallback bounds.
func WithRegenConfig(cfg regen.Config) Option {
	return func(o *options) { o.regen = cfg }
}

// WithResyncSchedule sets the cron spec for periodic full re-fetches. An
// empty spec disables them.
func WithResyncSchedule(spec string) Option {
	return func(o *options) { o.resyncSchedule = spec }
}

// Client is the consumer-facing draft client.
type Client struct {
	log    *zap.Logger
	mgr    *realtime.Manager
	router *router.Router
	store  *store.Store
	regen  *regen.Coordinator
	lister regen.Lister
	saver  Saver

	cron         *cron.Cron
	fetchTimeout time.Duration
	resync       chan struct{}
	cancel       context.CancelFunc
	loop         *sched.Task
	resyncer     *sched.Task
	unwatch      func()

	mu      sync.Mutex
	userID  string
	release func()
	closed  bool

	progressMu sync.Mutex
	progress   map[int]func(router.Message)
	nextID     int
}

// New builds a Client. It starts the event loop but does not connect; call
// Subscribe for that.
func New(deps Deps, opts ...Option) (*Client, error) {
	o := options{
		log:            zap.NewNop(),
		regen:          regen.DefaultConfig(),
		resyncSchedule: "@every 5m",
		fetchTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Transport == nil || deps.Tokens == nil || deps.Commander == nil || deps.Lister == nil {
		return nil, errors.New("client: transport, tokens, commander and lister are required")
	}

	mgrOpts := append([]realtime.Option{realtime.WithLogger(o.log.Named("realtime"))}, o.managerOpts...)
	st := store.New(store.WithLogger(o.log.Named("store")))

	c := &Client{
		log:          o.log,
		mgr:          realtime.NewManager(deps.Transport, deps.Tokens, mgrOpts...),
		router:       router.New(o.log.Named("router")),
		store:        st,
		lister:       deps.Lister,
		saver:        deps.Saver,
		fetchTimeout: o.fetchTimeout,
		resync:       make(chan struct{}, 1),
		progress:     make(map[int]func(router.Message)),
	}
	c.regen = regen.New(st, deps.Commander, deps.Lister, o.regen, regen.WithLogger(o.log.Named("regen")))

	if o.resyncSchedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(o.resyncSchedule, c.triggerResync); err != nil {
			c.regen.Close()
			c.mgr.Close()
			return nil, fmt.Errorf("schedule resync %q: %w", o.resyncSchedule, err)
		}
	}

	// A new session after the first means pushes may have been missed.
	c.unwatch = c.mgr.OnStateChange(func(s realtime.Status) {
		if s.State == realtime.Connected && s.Session > 1 {
			c.log.Info("reconnected, scheduling full resync", zap.Uint64("session", s.Session))
			c.triggerResync()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loop = sched.Go(ctx, c.eventLoop)
	c.resyncer = sched.Go(ctx, c.resyncLoop)
	if c.cron != nil {
		c.cron.Start()
	}
	return c, nil
}

func (c *Client) eventLoop(ctx context.Context) {
	events := c.mgr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			c.handle(env)
		}
	}
}

func (c *Client) handle(env realtime.Envelope) {
	msg, ok := c.router.Route(env)
	if !ok {
		return
	}
	switch m := msg.(type) {
	case router.DraftEvent:
		if _, err := c.store.Upsert(m.Record); err != nil {
			c.log.Warn("rejecting pushed draft", zap.String("event", m.Event), zap.Error(err))
		}
	case router.AnalysisProgress, router.GenerationQueued, router.GenerationFailed:
		c.emitProgress(msg)
	case router.Diagnostic:
		c.log.Debug("realtime diagnostic", zap.String("event", m.Event), zap.ByteString("data", m.Raw))
	case router.Unknown:
		c.log.Debug("unhandled realtime event", zap.String("event", m.Event))
	}
}

func (c *Client) emitProgress(msg router.Message) {
	c.progressMu.Lock()
	fns := make([]func(router.Message), 0, len(c.progress))
	for _, fn := range c.progress {
		fns = append(fns, fn)
	}
	c.progressMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Client) triggerResync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

func (c *Client) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.resync:
		}
		c.mu.Lock()
		subscribed := c.userID != ""
		c.mu.Unlock()
		if !subscribed {
			continue
		}

		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		if err := c.Refresh(fctx); err != nil && ctx.Err() == nil {
			c.log.Warn("resync failed", zap.Error(err))
		}
		cancel()
	}
}

// Subscribe connects the realtime stream for userID and hydrates the store
// with a full fetch. A failed fetch is logged; pushes still flow and the
// next resync retries it.
func (c *Client) Subscribe(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	prev := c.release
	c.release, c.userID = nil, ""
	c.mu.Unlock()

	if prev != nil {
		prev()
	}

	release, err := c.mgr.Acquire(userID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", userID, err)
	}
	c.mu.Lock()
	c.userID, c.release = userID, release
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial draft fetch failed", zap.String("user", userID), zap.Error(err))
	}
	return nil
}

// Unsubscribe drops the realtime subscription. Cached drafts stay readable.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	release := c.release
	c.release, c.userID = nil, ""
	c.mu.Unlock()
	if release != nil {
		release()
	}
}

// Refresh fetches the full draft list and reconciles it into the store.
func (c *Client) Refresh(ctx context.Context) error {
	recs, err := c.lister.ListDrafts(ctx)
	if err != nil {
		return fmt.Errorf("refresh drafts: %w", err)
	}
	n := c.store.UpsertAll(recs)
	c.log.Debug("drafts refreshed", zap.Int("fetched", len(recs)), zap.Int("changed", n))
	return nil
}

// Live reports whether push delivery is flowing. When false, cached data is
// still served but may be stale.
func (c *Client) Live() bool {
	return c.mgr.Status().Live()
}

// Status returns the realtime connection status.
func (c *Client) Status() realtime.Status {
	return c.mgr.Status()
}

// OnStatus registers fn for connection status transitions.
func (c *Client) OnStatus(fn func(realtime.Status)) (cancel func()) {
	return c.mgr.OnStateChange(fn)
}

// OnDraftsChanged registers fn for every store change.
func (c *Client) OnDraftsChanged(fn func(store.Change)) (cancel func()) {
	return c.store.OnChange(fn)
}

// OnProgress registers fn for analysis and generation progress messages.
func (c *Client) OnProgress(fn func(router.Message)) (cancel func()) {
	c.progressMu.Lock()
	id := c.nextID
	c.nextID++
	c.progress[id] = fn
	c.progressMu.Unlock()
	return func() {
		c.progressMu.Lock()
		delete(c.progress, id)
		c.progressMu.Unlock()
	}
}

// CurrentDraftForItem returns the item's current draft.
func (c *Client) CurrentDraftForItem(itemID string) (draft.Record, bool) {
	return c.store.CurrentDraftForItem(itemID)
}

// CurrentView returns the item's current draft with any local edit applied.
func (c *Client) CurrentView(itemID string) (store.View, bool) {
	return c.store.CurrentViewForItem(itemID)
}

// CurrentDrafts returns every item's current draft, newest first.
func (c *Client) CurrentDrafts() []store.View {
	return c.store.CurrentViews()
}

// History returns every retained draft for itemID, newest first.
func (c *Client) History(itemID string) []draft.Record {
	return c.store.History(itemID)
}

// Draft returns any retained draft by id.
func (c *Client) Draft(id string) (store.View, bool) {
	return c.store.View(id)
}

// EditDraft records an unsaved local edit.
func (c *Client) EditDraft(draftID, text string, params map[string]any) (store.Overlay, error) {
	return c.store.LocalEdit(draftID, text, params)
}

// DiscardEdit drops the draft's local edit.
func (c *Client) DiscardEdit(draftID string) bool {
	return c.store.DiscardEdit(draftID)
}

// SaveDraft persists the draft's local edit and merges the server response.
func (c *Client) SaveDraft(ctx context.Context, draftID string) (draft.Record, error) {
	if c.saver == nil {
		return draft.Record{}, errors.New("save draft: no saver configured")
	}
	o, ok := c.store.Overlay(draftID)
	if !ok {
		return draft.Record{}, fmt.Errorf("%w: %s", ErrNoEdit, draftID)
	}
	rec, err := c.saver.SaveDraft(ctx, draftID, o.Text, o.ExtraParams)
	if err != nil {
		return draft.Record{}, err
	}
	if _, err := c.store.CompleteSave(rec); err != nil {
		return draft.Record{}, fmt.Errorf("merge saved draft: %w", err)
	}
	saved, _ := c.store.Get(draftID)
	return saved, nil
}

// Regenerate requests a new draft for itemID.
func (c *Client) Regenerate(ctx context.Context, itemID, feedback string) (*regen.Ticket, error) {
	return c.regen.Regenerate(ctx, itemID, feedback)
}

// PendingRegeneration returns the item's in-flight regeneration.
func (c *Client) PendingRegeneration(itemID string) (regen.Pending, bool) {
	return c.regen.Pending(itemID)
}

// Dropped returns how many inbound messages were discarded as malformed.
func (c *Client) Dropped() int64 {
	return c.router.Dropped()
}

// Close stops every goroutine and timer the client owns and releases the
// realtime subscription.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	release := c.release
	c.release, c.userID = nil, ""
	c.mu.Unlock()

	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.unwatch()
	c.regen.Close()
	if release != nil {
		release()
	}
	c.cancel()
	c.mgr.Close()
	c.loop.Wait()
	c.resyncer.Wait()
}
