package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jwulff/draftsync/internal/sched"
)

// State is the connection state of the Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a snapshot of the connection.
type Status struct {
	State       State
	Reason      string
	UserID      string
	Session     uint64
	TokenExpiry time.Time
}

// Live reports whether push delivery is currently flowing.
func (s Status) Live() bool { return s.State == Connected }

// Token is a realtime credential and its approximate expiry. A zero expiry
// means unknown; no proactive refresh is scheduled then.
type Token struct {
	Value         string
	ExpiresApprox time.Time
}

// TokenSource fetches realtime tokens from the token endpoint.
type TokenSource interface {
	Token(ctx context.Context, userID string) (Token, error)
}

var (
	ErrClosed = errors.New("realtime: manager closed")
	ErrInUse  = errors.New("realtime: manager in use by another user")
)

// Manager owns the single realtime subscription of a client. Build one per
// process and hand it to consumers; it is never duplicated.
type Manager struct {
	transport Transport
	tokens    TokenSource
	log       *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
	refreshMargin  time.Duration
	minRefresh     time.Duration
	limiter        *rate.Limiter

	events chan Envelope

	// opMu serializes Connect, Disconnect and Close.
	opMu sync.Mutex

	mu           sync.Mutex
	status       Status
	loop         *sched.Task
	refs         int
	session      uint64
	closed       bool
	listeners    map[int]func(Status)
	nextListener int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialBackoff = initial
		}
		if max > 0 {
			m.maxBackoff = max
		}
	}
}

// WithRefreshMargin sets how long before token expiry a refresh is started.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.refreshMargin = d }
}

// WithRefreshLimit throttles token refreshes.
func WithRefreshLimit(every time.Duration, burst int) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithBuffer sets the capacity of the inbound envelope channel.
func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.events = make(chan Envelope, n)
		}
	}
}

// NewManager creates a disconnected Manager.
func NewManager(transport Transport, tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		transport:      transport,
		tokens:         tokens,
		log:            zap.NewNop(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		refreshMargin:  30 * time.Second,
		minRefresh:     time.Second,
		limiter:        rate.NewLimiter(rate.Every(time.Second), 3),
		events:         make(chan Envelope, 256),
		listeners:      make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events is the ordered inbound stream. It stays open across reconnects and
// is closed by Close.
func (m *Manager) Events() <-chan Envelope {
	return m.events
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStateChange registers fn for every status transition. fn runs on the
// connection goroutine and must not call Disconnect or Close.
func (m *Manager) OnStateChange(fn func(Status)) (cancel func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Connect starts the subscription for userID. It is a no-op when a
// connection loop for the same user is already running.
func (m *Manager) Connect(userID string) error {
	if userID == "" {
		return fmt.Errorf("connect: empty user id")
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.loop != nil && m.status.UserID == userID {
		m.mu.Unlock()
		return nil
	}
	prev := m.loop
	m.loop = nil
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	m.setStatus(Status{State: Connecting, UserID: userID})
	m.log.Info("realtime connecting", zap.String("user", userID))

	m.mu.Lock()
	m.loop = sched.Go(context.Background(), func(ctx context.Context) {
		m.run(ctx, userID)
	})
	m.mu.Unlock()
	return nil
}

// Acquire connects for userID and takes a reference. The returned release
// drops it; the last release disconnects.
func (m *Manager) Acquire(userID string) (release func(), err error) {
	m.mu.Lock()
	if m.refs > 0 && m.status.UserID != userID {
		m.mu.Unlock()
		return nil, ErrInUse
	}
	m.mu.Unlock()

	if err := m.Connect(userID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.refs++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.refs--
			last := m.refs == 0
			m.mu.Unlock()
			if last {
				m.Disconnect()
			}
		})
	}, nil
}

// Disconnect tears down the subscription and cancels every pending refresh
// and backoff timer. Safe to call repeatedly and from any state.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.mu.Lock()
	loop := m.loop
	m.loop = nil
	wasDown := loop == nil && m.status.State == Disconnected
	m.mu.Unlock()

	loop.Stop()
	if wasDown {
		return
	}
	m.setStatus(Status{State: Disconnected})
	m.log.Info("realtime disconnected")
}

// Close disconnects and closes the Events channel. The Manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.disconnectLocked()
	close(m.events)
}

func (m *Manager) setStatus(st Status) {
	m.mu.Lock()
	m.status = st
	fns := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (m *Manager) degrade(userID string, tok Token, reason string) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	m.log.Warn("realtime degraded", zap.String("user", userID), zap.String("reason", reason))
	m.setStatus(Status{
		State:       Degraded,
		Reason:      reason,
		UserID:      userID,
		Session:     session,
		TokenExpiry: tok.ExpiresApprox,
	})
}

func (m *Manager) connected(userID string, tok Token) uint64 {
	m.mu.Lock()
	m.session++
	session := m.session
	m.mu.Unlock()

	m.log.Info("realtime connected", zap.String("user", userID), zap.Uint64("session", session))
	m.setStatus(Status{
		State:       Connected,
		UserID:      userID,
		Session:     session,
		TokenExpiry: tok.ExpiresApprox,
	})
	return session
}

// run is the connection loop for one user. It exits only when ctx is done.
func (m *Manager) run(ctx context.Context, userID string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialBackoff
	bo.MaxInterval = m.maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.Reset()

	retry := func() bool {
		return sched.Sleep(ctx, bo.NextBackOff()) == nil
	}

	var tok Token
	haveToken := false
	for ctx.Err() == nil {
		if haveToken && !tok.ExpiresApprox.IsZero() && time.Now().After(tok.ExpiresApprox) {
			haveToken = false
		}
		if !haveToken {
			t, err := m.tokens.Token(ctx, userID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.degrade(userID, tok, fmt.Sprintf("token: %v", err))
				if !retry() {
					return
				}
				continue
			}
			tok, haveToken = t, true
		}

		sub, err := m.transport.Subscribe(ctx, ChannelFor(userID), tok.Value)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuth) {
				haveToken = false
			}
			m.degrade(userID, tok, fmt.Sprintf("subscribe: %v", err))
			if !retry() {
				return
			}
			continue
		}

		bo.Reset()
		session := m.connected(userID, tok)

		end, next, err := m.stream(ctx, userID, sub, tok, session)
		switch end {
		case endCancelled:
			return
		case endResubscribe:
			// Fresh token, transport could not rotate in place.
			tok, haveToken = next, true
			m.log.Info("realtime resubscribing with fresh token", zap.String("user", userID))
			continue
		case endRefreshFailed:
			haveToken = false
			m.degrade(userID, tok, fmt.Sprintf("token refresh: %v", err))
		case endTransport:
			tok = next
			m.degrade(userID, tok, fmt.Sprintf("transport: %v", err))
		}
		if !retry() {
			return
		}
	}
}

type streamEnd int

const (
	endCancelled streamEnd = iota
	endResubscribe
	endRefreshFailed
	endTransport
)

type readResult struct {
	env Envelope
	err error
}

// stream pumps envelopes from sub into the events channel until the
// subscription fails, the token must be replaced or ctx is done. It closes
// sub before returning.
func (m *Manager) stream(ctx context.Context, userID string, sub Subscription, tok Token, session uint64) (streamEnd, Token, error) {
	readCtx, cancelRead := context.WithCancel(ctx)
	results := make(chan readResult)
	reader := sched.Go(readCtx, func(rctx context.Context) {
		for {
			env, err := sub.Next(rctx)
			select {
			case results <- readResult{env: env, err: err}:
			case <-rctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrAuth) {
				return
			}
		}
	})
	defer func() {
		cancelRead()
		sub.Close()
		reader.Wait()
	}()

	refreshDue := make(chan struct{}, 1)
	var refreshTimer *sched.Task
	scheduleRefresh := func(t Token) {
		refreshTimer.Cancel()
		refreshTimer = nil
		if t.ExpiresApprox.IsZero() {
			return
		}
		refreshTimer = sched.After(ctx, m.refreshDelay(t.ExpiresApprox), func(context.Context) {
			select {
			case refreshDue <- struct{}{}:
			default:
			}
		})
	}
	scheduleRefresh(tok)
	defer func() { refreshTimer.Stop() }()

	for {
		var authErr error
		select {
		case <-ctx.Done():
			return endCancelled, tok, ctx.Err()

		case r := <-results:
			if r.err == nil {
				r.env.Session = session
				select {
				case m.events <- r.env:
				case <-ctx.Done():
					return endCancelled, tok, ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return endCancelled, tok, ctx.Err()
			}
			if !errors.Is(r.err, ErrAuth) {
				return endTransport, tok, r.err
			}
			authErr = r.err

		case <-refreshDue:
			authErr = errors.New("token near expiry")
		}

		m.log.Info("realtime token refresh", zap.String("user", userID), zap.NamedError("cause", authErr))
		next, rotated, err := m.refresh(ctx, userID, sub)
		if err != nil {
			if ctx.Err() != nil {
				return endCancelled, tok, ctx.Err()
			}
			return endRefreshFailed, tok, err
		}
		if !rotated {
			return endResubscribe, next, nil
		}
		tok = next
		m.mu.Lock()
		m.status.TokenExpiry = tok.ExpiresApprox
		m.mu.Unlock()
		scheduleRefresh(tok)
	}
}

// refreshDelay is how long to keep a token expiring at expiry before
// replacing it. Tokens that live no longer than the refresh margin are
// replaced halfway through their remaining lifetime, never sooner than
// minRefresh.
func (m *Manager) refreshDelay(expiry time.Time) time.Duration {
	life := time.Until(expiry)
	if d := life - m.refreshMargin; d > 0 {
		return d
	}
	if d := life / 2; d > m.minRefresh {
		return d
	}
	return m.minRefresh
}

// refresh fetches a new token and pushes it into sub when the transport
// supports in-place rotation.
func (m *Manager) refresh(ctx context.Context, userID string, sub Subscription) (Token, bool, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return Token{}, false, err
	}
	tok, err := m.tokens.Token(ctx, userID)
	if err != nil {
		return Token{}, false, err
	}
	rot, ok := sub.(TokenRotator)
	if !ok {
		return tok, false, nil
	}
	if err := rot.RotateToken(ctx, tok.Value); err != nil {
		m.log.Warn("realtime token rotation failed, resubscribing", zap.Error(err))
		return tok, false, nil
	}
	return tok, true, nil
}
