package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/realtime"
	"github.com/jwulff/draftsync/internal/regen"
	"github.com/jwulff/draftsync/internal/router"
	"github.com/jwulff/draftsync/internal/store"
	"github.com/jwulff/draftsync/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

// DraftClient is the part of the draft client the TUI drives.
type DraftClient interface {
	CurrentDrafts() []store.View
	History(itemID string) []draft.Record
	Status() realtime.Status
	Regenerate(ctx context.Context, itemID, feedback string) (*regen.Ticket, error)
	EditDraft(draftID, text string, params map[string]any) (store.Overlay, error)
	SaveDraft(ctx context.Context, draftID string) (draft.Record, error)
	DiscardEdit(draftID string) bool
	Refresh(ctx context.Context) error
	OnDraftsChanged(fn func(store.Change)) (cancel func())
	OnStatus(fn func(realtime.Status)) (cancel func())
	OnProgress(fn func(router.Message)) (cancel func())
}

// PanelFocus tracks which panel has keyboard focus.
type PanelFocus int

const (
	FocusItems PanelFocus = iota
	FocusDetail
)

const requestTimeout = 30 * time.Second

// Model is the root bubbletea model for the draft review TUI.
type Model struct {
	client DraftClient

	// Connection state
	status realtime.Status

	// Drafts
	items       []store.View
	selected    int
	showHistory bool
	progress    map[string]string
	pending     map[string]bool
	spinner     spinner.Model

	// Editing; editing holds the id of the draft open in the editor
	editor  textarea.Model
	editing string

	// UI state
	focusedPanel PanelFocus
	width        int
	height       int
	detailScroll int

	// Errors and notices
	errorMessage   string
	errorTransient bool
	notice         string
}

// New creates a Model backed by client.
func New(client DraftClient) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = ui.SpinnerStyle

	ed := textarea.New()
	ed.ShowLineNumbers = false
	ed.CharLimit = 0
	ed.Prompt = ""

	return Model{
		client:       client,
		status:       client.Status(),
		items:        client.CurrentDrafts(),
		progress:     make(map[string]string),
		pending:      make(map[string]bool),
		spinner:      sp,
		editor:       ed,
		focusedPanel: FocusItems,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// regenerateCmd issues the regenerate command and, on acceptance, waits for
// the ticket in a follow-up command.
func regenerateCmd(c DraftClient, itemID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		tk, err := c.Regenerate(ctx, itemID, "")
		return RegenStartedMsg{ItemID: itemID, Ticket: tk, Err: err}
	}
}

// waitTicketCmd blocks until the ticket completes.
func waitTicketCmd(itemID string, tk *regen.Ticket) tea.Cmd {
	return func() tea.Msg {
		<-tk.Done()
		rec, err := tk.Result()
		return RegenDoneMsg{ItemID: itemID, Record: rec, Err: err}
	}
}

// saveCmd persists the draft's local edit.
func saveCmd(c DraftClient, draftID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := c.SaveDraft(ctx, draftID)
		return SavedMsg{DraftID: draftID, Err: err}
	}
}

// refreshCmd re-fetches every draft.
func refreshCmd(c DraftClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return RefreshedMsg{Err: c.Refresh(ctx)}
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case DraftsChangedMsg:
		m.reload()
		return m, nil

	case ConnStatusMsg:
		m.status = msg.Status
		return m, nil

	case ProgressMsg:
		m.handleProgress(msg.Message)
		return m, nil

	case RegenStartedMsg:
		if msg.Err != nil {
			delete(m.pending, msg.ItemID)
			cmd := m.transientError(fmt.Sprintf("regenerate %s: %v", msg.ItemID, msg.Err))
			return m, cmd
		}
		m.pending[msg.ItemID] = true
		m.notice = "Regenerating " + msg.ItemID + "..."
		return m, waitTicketCmd(msg.ItemID, msg.Ticket)

	case RegenDoneMsg:
		delete(m.pending, msg.ItemID)
		delete(m.progress, msg.ItemID)
		switch {
		case msg.Err == nil:
			m.notice = "New draft for " + msg.ItemID
		case errors.Is(msg.Err, regen.ErrSuperseded), errors.Is(msg.Err, regen.ErrClosed):
			m.notice = ""
		case errors.Is(msg.Err, regen.ErrStillProcessing):
			m.notice = "Still processing " + msg.ItemID + "; it will appear when ready"
		default:
			cmd := m.transientError(msg.Err.Error())
			return m, cmd
		}
		m.reload()
		return m, nil

	case SavedMsg:
		if msg.Err != nil {
			cmd := m.transientError(fmt.Sprintf("save %s: %v", msg.DraftID, msg.Err))
			return m, cmd
		}
		m.notice = "Saved " + msg.DraftID
		m.reload()
		return m, nil

	case RefreshedMsg:
		if msg.Err != nil {
			cmd := m.transientError(msg.Err.Error())
			return m, cmd
		}
		m.notice = "Refreshed"
		m.reload()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	if m.editing != "" {
		var cmd tea.Cmd
		m.editor, cmd = m.editor.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) transientError(text string) tea.Cmd {
	m.errorMessage = text
	m.errorTransient = true
	return clearTransientErrorCmd()
}

// reload re-reads the current drafts, keeping the selection on the same item
// when it is still listed.
func (m *Model) reload() {
	var selectedItem string
	if m.selected < len(m.items) {
		selectedItem = m.items[m.selected].Record.SourceItemID
	}
	m.items = m.client.CurrentDrafts()
	m.selected = 0
	for i, v := range m.items {
		if v.Record.SourceItemID == selectedItem {
			m.selected = i
			break
		}
	}
}

func (m *Model) handleProgress(msg router.Message) {
	switch p := msg.(type) {
	case router.AnalysisProgress:
		m.progress[p.SourceItemID] = fmt.Sprintf("%s %.0f%%", p.Stage, p.Percent)
	case router.GenerationQueued:
		m.progress[p.SourceItemID] = "queued"
	case router.GenerationFailed:
		delete(m.progress, p.SourceItemID)
		m.errorMessage = fmt.Sprintf("generation failed for %s: %s", p.SourceItemID, p.Reason)
		m.errorTransient = false
	}
}

func (m Model) selectedView() (store.View, bool) {
	if m.selected < 0 || m.selected >= len(m.items) {
		return store.View{}, false
	}
	return m.items[m.selected], true
}

// startEdit opens the editor on the selected draft's current text.
func (m *Model) startEdit() tea.Cmd {
	v, ok := m.selectedView()
	if !ok {
		return nil
	}
	m.editing = v.Record.ID
	m.editor.SetWidth(max(10, m.detailPanelWidth()-4))
	m.editor.SetHeight(max(3, m.contentHeight()-6))
	m.editor.SetValue(v.Text)
	m.focusedPanel = FocusDetail
	return m.editor.Focus()
}

// commitEdit applies the editor text as a local edit of the open draft.
func (m *Model) commitEdit() tea.Cmd {
	draftID := m.editing
	m.editing = ""
	m.editor.Blur()
	if _, err := m.client.EditDraft(draftID, m.editor.Value(), nil); err != nil {
		return m.transientError(fmt.Sprintf("edit %s: %v", draftID, err))
	}
	m.notice = "Edited " + draftID + " (s to save, x to discard)"
	m.reload()
	return nil
}

// handleEditKey routes key presses while the editor is open.
func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyCtrlC:
		return m, tea.Quit

	case KeyEsc:
		m.editing = ""
		m.editor.Blur()
		m.notice = "Edit cancelled"
		return m, nil

	case KeyApplyEdit:
		cmd := m.commitEdit()
		return m, cmd
	}

	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	return m, cmd
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing != "" {
		return m.handleEditKey(msg)
	}

	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		return m, tea.Quit

	case KeyTab:
		if m.focusedPanel == FocusItems {
			m.focusedPanel = FocusDetail
		} else {
			m.focusedPanel = FocusItems
		}
		return m, nil

	case KeyJ, KeyDown:
		if m.focusedPanel == FocusDetail {
			m.detailScroll++
			return m, nil
		}
		if m.selected < len(m.items)-1 {
			m.selected++
			m.detailScroll = 0
		}
		return m, nil

	case KeyK, KeyUp:
		if m.focusedPanel == FocusDetail {
			if m.detailScroll > 0 {
				m.detailScroll--
			}
			return m, nil
		}
		if m.selected > 0 {
			m.selected--
			m.detailScroll = 0
		}
		return m, nil

	case KeyEnter:
		m.showHistory = !m.showHistory
		return m, nil

	case KeyRegenerate:
		v, ok := m.selectedView()
		if !ok || m.pending[v.Record.SourceItemID] {
			return m, nil
		}
		m.pending[v.Record.SourceItemID] = true
		return m, regenerateCmd(m.client, v.Record.SourceItemID)

	case KeyEdit:
		cmd := m.startEdit()
		return m, cmd

	case KeySave:
		v, ok := m.selectedView()
		if !ok || v.Overlay == nil {
			return m, nil
		}
		return m, saveCmd(m.client, v.Record.ID)

	case KeyDiscard:
		v, ok := m.selectedView()
		if ok && m.client.DiscardEdit(v.Record.ID) {
			m.notice = "Discarded edit"
			m.reload()
		}
		return m, nil

	case KeyRefresh:
		return m, refreshCmd(m.client)
	}

	return m, nil
}

func (m Model) contentHeight() int {
	if m.height == 0 {
		return 20
	}
	// Reserve: header(1) + divider(1) + divider(1) + notice/error(1) + footer(1) + padding
	reserved := 6
	return max(5, m.height-reserved)
}

func (m Model) itemPanelWidth() int {
	if m.width == 0 {
		return 30
	}
	return max(20, m.width*35/100)
}

func (m Model) detailPanelWidth() int {
	if m.width == 0 {
		return 60
	}
	return max(30, m.width-m.itemPanelWidth()-3)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderMainContent())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", m.width)))

	if m.errorMessage != "" {
		sections = append(sections, ui.ErrorStyle.Render("Error: ")+ui.ErrorTextStyle.Render(m.errorMessage))
	} else if m.notice != "" {
		sections = append(sections, ui.NoticeStyle.Render(m.notice))
	}

	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("DRAFTS")

	var badge string
	if m.status.Live() {
		badge = ui.LiveBadgeStyle.Render(" ● LIVE")
	} else {
		badge = ui.OfflineBadgeStyle.Render(" ○ OFFLINE")
	}

	var detail string
	switch m.status.State {
	case realtime.Degraded:
		detail = ui.DimStyle.Render("  " + m.status.Reason)
	case realtime.Connecting:
		detail = ui.DimStyle.Render("  connecting...")
	}

	var working string
	if len(m.pending) > 0 {
		working = "  " + m.spinner.View() + ui.SpinnerStyle.Render(fmt.Sprintf(" %d regenerating", len(m.pending)))
	}

	return title + badge + working + detail
}

func (m Model) renderMainContent() string {
	itemW := m.itemPanelWidth()
	detailW := m.detailPanelWidth()
	contentH := m.contentHeight()

	itemLines := strings.Split(m.renderItemPanel(itemW, contentH), "\n")
	detailLines := strings.Split(m.renderDetailPanel(detailW, contentH), "\n")

	divider := ui.DividerStyle.Render("│")

	var rows []string
	for i := 0; i < contentH; i++ {
		left := strings.Repeat(" ", itemW)
		if i < len(itemLines) {
			left = itemLines[i]
		}
		right := ""
		if i < len(detailLines) {
			right = detailLines[i]
		}
		rows = append(rows, left+divider+right)
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderItemPanel(width, height int) string {
	title := fmt.Sprintf("ITEMS (%d)", len(m.items))
	var header string
	if m.focusedPanel == FocusItems {
		header = ui.PanelTitleActiveStyle.Render(title)
	} else {
		header = ui.PanelTitleStyle.Render(title)
	}

	lines := []string{header}
	if len(m.items) == 0 {
		lines = append(lines, ui.DimStyle.Render("  No drafts yet..."))
	}

	// keep the selection visible
	start := 0
	if visible := height - 1; m.selected >= visible {
		start = m.selected - visible + 1
	}
	for i := start; i < len(m.items); i++ {
		v := m.items[i]
		label := v.Record.SourceItemID
		if v.Overlay != nil {
			label += ui.EditedMarkStyle.Render(" *")
		}
		if m.pending[v.Record.SourceItemID] {
			label += ui.SpinnerStyle.Render(" ⟳")
		}
		label += " " + ui.RenderStatus(string(v.Record.Status))

		var line string
		if i == m.selected {
			line = ui.SelectedStyle.Render("> ") + label
		} else {
			line = "  " + label
		}
		lines = append(lines, truncateToWidth(line, width))
	}

	if len(lines) > height {
		lines = lines[:height]
	}
	for i, l := range lines {
		lines[i] = padRight(l, width)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderDetailPanel(width, height int) string {
	var header string
	if m.focusedPanel == FocusDetail {
		header = ui.PanelTitleActiveStyle.Render("DRAFT")
	} else {
		header = ui.PanelTitleStyle.Render("DRAFT")
	}

	v, ok := m.selectedView()
	if !ok {
		return header + "\n" + ui.DimStyle.Render("  Select an item")
	}
	rec := v.Record

	textWidth := max(10, width-4)
	var body []string
	meta := fmt.Sprintf("%s  %s  %s", rec.ID, ui.RenderStatus(string(rec.Status)),
		ui.TimestampStyle.Render(rec.EffectiveTime().Local().Format("2006-01-02 15:04:05")))
	body = append(body, meta)
	if rec.Persona != "" || rec.Model != "" {
		body = append(body, ui.DimStyle.Render(strings.TrimSpace(rec.Persona+" "+rec.Model)))
	}
	if p, ok := m.progress[rec.SourceItemID]; ok {
		body = append(body, ui.SpinnerStyle.Render("⟳ "+p))
	}
	if m.editing == rec.ID {
		body = append(body, ui.EditedMarkStyle.Render("editing (ctrl+s to apply, esc to cancel)"), "")
		body = append(body, strings.Split(m.editor.View(), "\n")...)
		lines := []string{header}
		for _, l := range body {
			lines = append(lines, "  "+l)
		}
		if len(lines) > height {
			lines = lines[:height]
		}
		return strings.Join(lines, "\n")
	}
	if v.Overlay != nil {
		body = append(body, ui.EditedMarkStyle.Render("unsaved edit (s to save, x to discard)"))
	}
	body = append(body, "")
	body = append(body, wrapText(v.Text, textWidth)...)

	if rec.Status == draft.StatusPostFailed && rec.FailureReason != "" {
		body = append(body, "", ui.ErrorTextStyle.Render("failed: "+rec.FailureReason))
	}
	if rec.PostedURL != "" {
		body = append(body, "", ui.DimStyle.Render(rec.PostedURL))
	}

	if m.showHistory {
		history := m.client.History(rec.SourceItemID)
		body = append(body, "", ui.PanelTitleStyle.Render(fmt.Sprintf("HISTORY (%d)", len(history))))
		for _, h := range history {
			line := fmt.Sprintf("%s %s %s", ui.TimestampStyle.Render(h.EffectiveTime().Local().Format("[01-02 15:04]")),
				h.ID, ui.RenderStatus(string(h.Status)))
			body = append(body, truncateToWidth(line, textWidth))
		}
	}

	scroll := m.detailScroll
	if maxScroll := len(body) - (height - 1); scroll > maxScroll {
		scroll = max(0, maxScroll)
	}
	body = body[scroll:]

	lines := []string{header}
	for _, l := range body {
		lines = append(lines, "  "+l)
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	var parts []string

	if m.editing != "" {
		parts = append(parts, ui.FooterKeyStyle.Render("ctrl+s")+ui.FooterDescStyle.Render(" Apply"))
		parts = append(parts, ui.FooterKeyStyle.Render("esc")+ui.FooterDescStyle.Render(" Cancel"))
		return strings.Join(parts, "  ")
	}

	parts = append(parts, ui.FooterKeyStyle.Render("j/k")+ui.FooterDescStyle.Render(" Nav"))
	parts = append(parts, ui.FooterKeyStyle.Render("Tab")+ui.FooterDescStyle.Render(" Focus"))
	parts = append(parts, ui.FooterKeyStyle.Render("Enter")+ui.FooterDescStyle.Render(" History"))
	parts = append(parts, ui.FooterKeyStyle.Render("r")+ui.FooterDescStyle.Render(" Regenerate"))
	parts = append(parts, ui.FooterKeyStyle.Render("e")+ui.FooterDescStyle.Render(" Edit"))
	if v, ok := m.selectedView(); ok && v.Overlay != nil {
		parts = append(parts, ui.FooterKeyStyle.Render("s")+ui.FooterDescStyle.Render(" Save"))
		parts = append(parts, ui.FooterKeyStyle.Render("x")+ui.FooterDescStyle.Render(" Discard"))
	}
	parts = append(parts, ui.FooterKeyStyle.Render("R")+ui.FooterDescStyle.Render(" Refresh"))
	parts = append(parts, ui.FooterKeyStyle.Render("q")+ui.FooterDescStyle.Render(" Quit"))

	return strings.Join(parts, "  ")
}

// Helpers

func padRight(s string, width int) string {
	// Get visible length (ignoring ANSI codes)
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func truncateToWidth(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible <= width {
		return s
	}
	// Simple truncation for non-styled strings
	runes := []rune(s)
	if len(runes) > width-1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current string
		for _, word := range strings.Fields(paragraph) {
			if current == "" {
				current = word
			} else if len(current)+1+len(word) <= width {
				current += " " + word
			} else {
				lines = append(lines, current)
				current = word
			}
		}
		if current != "" {
			lines = append(lines, current)
		} else {
			lines = append(lines, "")
		}
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
