package regen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/store"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func rec(id, item string, ts time.Time) draft.Record {
	return draft.Record{
		ID:            id,
		SourceItemID:  item,
		SourceText:    "source " + item,
		GeneratedText: "text " + id,
		Status:        draft.StatusDrafted,
		CreatedAt:     draft.FormatTimestamp(ts),
	}
}

type command struct {
	DraftID  string
	Snap     draft.ItemSnapshot
	Feedback string
}

type fakeCommander struct {
	mu       sync.Mutex
	calls    []command
	accepted bool
	err      error
}

func (f *fakeCommander) Regenerate(_ context.Context, draftID string, snap draft.ItemSnapshot, feedback string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command{draftID, snap, feedback})
	return f.accepted, f.err
}

type fakeLister struct {
	calls atomic.Int32
	fn    func(call int) ([]draft.Record, error)
}

func (f *fakeLister) ListDrafts(context.Context) ([]draft.Record, error) {
	n := int(f.calls.Add(1))
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(n)
}

func setup(t *testing.T, cfg Config, list *fakeLister) (*Coordinator, *store.Store, *fakeCommander) {
	t.Helper()
	st := store.New()
	_, err := st.Upsert(rec("d1", "100", at(0)))
	require.NoError(t, err)

	cmd := &fakeCommander{accepted: true}
	if list == nil {
		list = &fakeLister{}
	}
	c := New(st, cmd, list, cfg, WithClock(func() time.Time { return at(100) }))
	t.Cleanup(c.Close)
	return c, st, cmd
}

func waitTicket(t *testing.T, tk *Ticket) (draft.Record, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := tk.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "ticket never completed")
	return r, err
}

func TestRegenerateSendsCurrentDraft(t *testing.T) {
	c, _, cmd := setup(t, Config{PollAttempts: 1, PollInterval: time.Hour}, nil)

	tk, err := c.Regenerate(context.Background(), "100", "shorter please")
	require.NoError(t, err)
	assert.Equal(t, "d1", tk.DraftID)

	require.Len(t, cmd.calls, 1)
	assert.Equal(t, command{
		DraftID:  "d1",
		Snap:     draft.ItemSnapshot{SourceItemID: "100", Text: "source 100"},
		Feedback: "shorter please",
	}, cmd.calls[0])

	p, ok := c.Pending("100")
	require.True(t, ok)
	assert.Equal(t, AwaitingFresherRecord, p.State)
	assert.Equal(t, at(100), p.RequestStartedAt)
	assert.Equal(t, 1, p.MaxAttempts)

	_, err = tk.Result()
	assert.ErrorIs(t, err, ErrPending)
}

func TestRejectedStartsNoPoller(t *testing.T) {
	c, _, cmd := setup(t, Config{PollInterval: time.Hour}, nil)

	cmd.accepted = false
	_, err := c.Regenerate(context.Background(), "100", "")
	assert.ErrorIs(t, err, ErrRejected)

	boom := errors.New("connection refused")
	cmd.err = boom
	_, err = c.Regenerate(context.Background(), "100", "")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, boom)

	_, pending := c.Pending("100")
	assert.False(t, pending)
	assert.Zero(t, c.ActivePollers("100"))
}

func TestNoDraft(t *testing.T) {
	c, _, cmd := setup(t, Config{}, nil)
	_, err := c.Regenerate(context.Background(), "404", "")
	assert.ErrorIs(t, err, ErrNoDraft)
	assert.Empty(t, cmd.calls)
}

func TestSupersessionLeavesOnePoller(t *testing.T) {
	c, _, cmd := setup(t, Config{PollAttempts: 5, PollInterval: time.Hour}, nil)

	first, err := c.Regenerate(context.Background(), "100", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, c.ActivePollers("100"))

	second, err := c.Regenerate(context.Background(), "100", "b")
	require.NoError(t, err)

	_, err = waitTicket(t, first)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, Superseded, first.State())

	assert.Equal(t, 1, c.ActivePollers("100"))
	assert.Len(t, cmd.calls, 2)

	select {
	case <-second.Done():
		t.Fatal("second ticket should still be pending")
	default:
	}
}

func TestPushPreemptsPoll(t *testing.T) {
	list := &fakeLister{}
	c, st, _ := setup(t, Config{PollAttempts: 3, PollInterval: time.Hour}, list)

	tk, err := c.Regenerate(context.Background(), "100", "")
	require.NoError(t, err)

	// unrelated item does not resolve
	_, _ = st.Upsert(rec("x1", "200", at(100)))
	_, err = tk.Result()
	assert.ErrorIs(t, err, ErrPending)

	_, err = st.Upsert(rec("d2", "100", at(101)))
	require.NoError(t, err)

	got, err := waitTicket(t, tk)
	require.NoError(t, err)
	assert.Equal(t, "d2", got.ID)
	assert.Equal(t, Resolved, tk.State())

	require.Eventually(t, func() bool { return c.ActivePollers("100") == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, list.calls.Load())
	_, pending := c.Pending("100")
	assert.False(t, pending)
}

func TestClockSkewTolerance(t *testing.T) {
	c, st, _ := setup(t, Config{PollAttempts: 1, PollInterval: time.Hour, ClockSkew: 2 * time.Second}, nil)

	tk, err := c.Regenerate(context.Background(), "100", "")
	require.NoError(t, err)

	// older than the request beyond the tolerance
	_, _ = st.Upsert(rec("old", "100", at(90)))
	_, err = tk.Result()
	assert.ErrorIs(t, err, ErrPending)

	// written by a worker whose clock runs a second behind
	_, _ = st.Upsert(rec("d2", "100", at(99)))
	got, err := waitTicket(t, tk)
	require.NoError(t, err)
	assert.Equal(t, "d2", got.ID)
}

func TestPollFallbackResolves(t *testing.T) {
	list := &fakeLister{fn: func(call int) ([]draft.Record, error) {
		switch call {
		case 1:
			return nil, errors.New("502")
		case 2:
			return []draft.Record{rec("d1", "100", at(0))}, nil
		}
		return []draft.Record{rec("d1", "100", at(0)), rec("d2", "100", at(102))}, nil
	}}
	c, st, _ := setup(t, Config{PollAttempts: 5, PollInterval: 5 * time.Millisecond}, list)

	tk, err := c.Regenerate(context.Background(), "100", "")
	require.NoError(t, err)

	got, err := waitTicket(t, tk)
	require.NoError(t, err)
	assert.Equal(t, "d2", got.ID)
	assert.EqualValues(t, 3, list.calls.Load())

	cur, _ := st.CurrentDraftForItem("100")
	assert.Equal(t, "d2", cur.ID, "poll results are applied to the store")
}

func TestPollTimesOut(t *testing.T) {
	list := &fakeLister{fn: func(int) ([]draft.Record, error) {
		return []draft.Record{rec("d1", "100", at(0))}, nil
	}}
	c, st, _ := setup(t, Config{PollAttempts: 3, PollInterval: time.Millisecond}, list)

	tk, err := c.Regenerate(context.Background(), "100", "")
	require.NoError(t, err)

	_, err = waitTicket(t, tk)
	assert.ErrorIs(t, err, ErrStillProcessing)
	assert.Equal(t, TimedOut, tk.State())
	assert.EqualValues(t, 3, list.calls.Load())

	// nothing rolled back
	cur, _ := st.CurrentDraftForItem("100")
	assert.Equal(t, "d1", cur.ID)
	_, pending := c.Pending("100")
	assert.False(t, pending)
}

func TestUnchangedTargetDoesNotResolve(t *testing.T) {
	c, st, _ := setup(t, Config{PollAttempts: 1, PollInterval: time.Hour, ClockSkew: time.Hour}, nil)

	tk, err := c.Regenerate(context.Background(), "100", "")
	require.NoError(t, err)

	// approving the targeted draft at its own timestamp is not an answer
	approved := rec("d1", "100", at(0))
	approved.Status = draft.StatusApproved
	_, _ = st.Upsert(approved)

	_, err = tk.Result()
	assert.ErrorIs(t, err, ErrPending)
}

func TestCloseCancelsEverything(t *testing.T) {
	st := store.New()
	for _, item := range []string{"1", "2", "3"} {
		_, _ = st.Upsert(rec("d"+item, item, at(0)))
	}
	c := New(st, &fakeCommander{accepted: true}, &fakeLister{}, Config{PollInterval: time.Hour})

	var tickets []*Ticket
	for _, item := range []string{"1", "2", "3"} {
		tk, err := c.Regenerate(context.Background(), item, "")
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	c.Close()
	c.Close()
	for _, tk := range tickets {
		_, err := tk.Result()
		assert.ErrorIs(t, err, ErrClosed)
		assert.Zero(t, c.ActivePollers(tk.ItemID))
	}

	_, err := c.Regenerate(context.Background(), "1", "")
	assert.ErrorIs(t, err, ErrClosed)
}

type blockingCommander struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCommander) Regenerate(context.Context, string, draft.ItemSnapshot, string) (bool, error) {
	close(b.entered)
	<-b.release
	return true, nil
}

func TestCloseDuringCommand(t *testing.T) {
	st := store.New()
	_, err := st.Upsert(rec("d1", "100", at(0)))
	require.NoError(t, err)
	cmd := &blockingCommander{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(st, cmd, &fakeLister{}, Config{PollInterval: time.Hour})

	type result struct {
		tk  *Ticket
		err error
	}
	done := make(chan result, 1)
	go func() {
		tk, err := c.Regenerate(context.Background(), "100", "")
		done <- result{tk, err}
	}()

	<-cmd.entered
	c.Close()
	close(cmd.release)

	r := <-done
	require.NoError(t, r.err)
	_, err = waitTicket(t, r.tk)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, c.ActivePollers("100"))
	_, pending := c.Pending("100")
	assert.False(t, pending)
}

func TestCloseRacingRegenerate(t *testing.T) {
	for i := 0; i < 50; i++ {
		st := store.New()
		_, err := st.Upsert(rec("d1", "100", at(0)))
		require.NoError(t, err)
		c := New(st, &fakeCommander{accepted: true}, &fakeLister{}, Config{PollInterval: time.Hour})

		var wg sync.WaitGroup
		tickets := make(chan *Ticket, 4)
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tk, err := c.Regenerate(context.Background(), "100", "")
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				tickets <- tk
			}()
		}
		c.Close()
		wg.Wait()
		close(tickets)

		for tk := range tickets {
			_, err := waitTicket(t, tk)
			if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrSuperseded) {
				t.Errorf("ticket ended with %v, want closed or superseded", err)
			}
		}
		assert.Zero(t, c.ActivePollers("100"))
	}
}

func TestItemLocksArePruned(t *testing.T) {
	c, st, _ := setup(t, Config{PollInterval: time.Hour}, nil)
	_, err := st.Upsert(rec("d2", "200", at(0)))
	require.NoError(t, err)

	for _, item := range []string{"100", "200", "100", "404"} {
		_, _ = c.Regenerate(context.Background(), item, "")
	}

	c.itemMu.Lock()
	n := len(c.items)
	c.itemMu.Unlock()
	assert.Zero(t, n)
}
