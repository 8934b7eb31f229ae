package app

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/realtime"
	"github.com/jwulff/draftsync/internal/regen"
	"github.com/jwulff/draftsync/internal/router"
	"github.com/jwulff/draftsync/internal/store"
)

// DraftsChangedMsg signals that the store changed and the list should be
// reloaded.
type DraftsChangedMsg struct {
	Source store.Source
}

// ConnStatusMsg carries a realtime connection status transition.
type ConnStatusMsg struct {
	Status realtime.Status
}

// ProgressMsg carries an analysis or generation progress message.
type ProgressMsg struct {
	Message router.Message
}

// RegenStartedMsg is the outcome of issuing a regenerate command.
type RegenStartedMsg struct {
	ItemID string
	Ticket *regen.Ticket
	Err    error
}

// RegenDoneMsg is sent when a regeneration ticket completes.
type RegenDoneMsg struct {
	ItemID string
	Record draft.Record
	Err    error
}

// SavedMsg is the outcome of saving a local edit.
type SavedMsg struct {
	DraftID string
	Err     error
}

// RefreshedMsg is the outcome of a manual full re-fetch.
type RefreshedMsg struct {
	Err error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}

// Bridge forwards client callbacks into a running program. The returned func
// unregisters them.
func Bridge(c DraftClient, send func(tea.Msg)) (cancel func()) {
	cancels := []func(){
		c.OnDraftsChanged(func(ch store.Change) { send(DraftsChangedMsg{Source: ch.Source}) }),
		c.OnStatus(func(s realtime.Status) { send(ConnStatusMsg{Status: s}) }),
		c.OnProgress(func(m router.Message) { send(ProgressMsg{Message: m}) }),
	}
	return func() {
		for _, fn := range cancels {
			fn()
		}
	}
}
