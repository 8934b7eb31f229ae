// Package mcpserver exposes the draft client as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/realtime"
	"github.com/jwulff/draftsync/internal/regen"
	"github.com/jwulff/draftsync/internal/store"
)

// DraftService is the part of the draft client the tools call.
type DraftService interface {
	CurrentDrafts() []store.View
	CurrentView(itemID string) (store.View, bool)
	History(itemID string) []draft.Record
	Status() realtime.Status
	EditDraft(draftID, text string, params map[string]any) (store.Overlay, error)
	DiscardEdit(draftID string) bool
	SaveDraft(ctx context.Context, draftID string) (draft.Record, error)
	Regenerate(ctx context.Context, itemID, feedback string) (*regen.Ticket, error)
	Refresh(ctx context.Context) error
}

// DefaultWaitTimeout bounds regenerate_draft when wait is set.
const DefaultWaitTimeout = 2 * time.Minute

// Server wires draft tools onto an MCP server.
type Server struct {
	svc         DraftService
	mcp         *server.MCPServer
	log         *zap.Logger
	waitTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithWaitTimeout bounds how long regenerate_draft waits for a fresher draft.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.waitTimeout = d }
}

// New creates a Server with every draft tool registered.
func New(svc DraftService, version string, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		log:         zap.NewNop(),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(s)
	}

	s.mcp = server.NewMCPServer("draftsync", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.register()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves the tools on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("list_current_drafts",
		mcp.WithDescription("List the current draft for every source item, with local edits applied."),
	), s.listCurrentDrafts)

	s.mcp.AddTool(mcp.NewTool("get_current_draft",
		mcp.WithDescription("Get the current draft for one source item."),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("Source item id")),
		mcp.WithBoolean("include_history", mcp.Description("Also return every known draft for the item, newest first")),
	), s.getCurrentDraft)

	s.mcp.AddTool(mcp.NewTool("edit_draft",
		mcp.WithDescription("Apply a local edit to a draft. The edit shadows the draft until saved or discarded."),
		mcp.WithString("draft_id", mcp.Required(), mcp.Description("Draft id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Edited text")),
		mcp.WithObject("generation_params", mcp.Description("Generation parameters to save with the edit")),
	), s.editDraft)

	s.mcp.AddTool(mcp.NewTool("save_draft",
		mcp.WithDescription("Persist a draft's local edit to the backend."),
		mcp.WithString("draft_id", mcp.Required(), mcp.Description("Draft id")),
	), s.saveDraft)

	s.mcp.AddTool(mcp.NewTool("discard_edit",
		mcp.WithDescription("Drop a draft's unsaved local edit."),
		mcp.WithString("draft_id", mcp.Required(), mcp.Description("Draft id")),
	), s.discardEdit)

	s.mcp.AddTool(mcp.NewTool("regenerate_draft",
		mcp.WithDescription("Ask the backend for a new draft of a source item."),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("Source item id")),
		mcp.WithString("feedback", mcp.Description("Guidance for the new draft")),
		mcp.WithBoolean("wait", mcp.Description("Block until the new draft arrives")),
	), s.regenerateDraft)

	s.mcp.AddTool(mcp.NewTool("connection_status",
		mcp.WithDescription("Report whether live updates are flowing."),
	), s.connectionStatus)

	s.mcp.AddTool(mcp.NewTool("refresh_drafts",
		mcp.WithDescription("Re-fetch every draft from the backend."),
	), s.refreshDrafts)
}

type draftResult struct {
	ID           string         `json:"id"`
	SourceItemID string         `json:"sourceItemId"`
	Status       draft.Status   `json:"status"`
	Text         string         `json:"text"`
	Edited       bool           `json:"edited"`
	UpdatedAt    string         `json:"updatedAt"`
	Params       map[string]any `json:"generationParams,omitempty"`
	Model        string         `json:"model,omitempty"`
	Persona      string         `json:"persona,omitempty"`
}

func toResult(v store.View) draftResult {
	r := draftResult{
		ID:           v.Record.ID,
		SourceItemID: v.Record.SourceItemID,
		Status:       v.Record.Status,
		Text:         v.Text,
		Edited:       v.Overlay != nil,
		UpdatedAt:    draft.FormatTimestamp(v.Record.EffectiveTime()),
		Params:       v.Record.GenerationParams,
		Model:        v.Record.Model,
		Persona:      v.Record.Persona,
	}
	if v.Overlay != nil && v.Overlay.ExtraParams != nil {
		r.Params = v.Overlay.ExtraParams
	}
	return r
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) listCurrentDrafts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views := s.svc.CurrentDrafts()
	out := make([]draftResult, 0, len(views))
	for _, v := range views {
		out = append(out, toResult(v))
	}
	return jsonResult(map[string]any{
		"live":   s.svc.Status().Live(),
		"drafts": out,
	})
}

func (s *Server) getCurrentDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, err := req.RequireString("item_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, ok := s.svc.CurrentView(itemID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no draft for item %s", itemID)), nil
	}
	if !req.GetBool("include_history", false) {
		return jsonResult(toResult(v))
	}

	history := s.svc.History(itemID)
	ids := make([]string, 0, len(history))
	for _, h := range history {
		ids = append(ids, h.ID)
	}
	return jsonResult(map[string]any{
		"current": toResult(v),
		"history": ids,
	})
}

func (s *Server) editDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	draftID, err := req.RequireString("draft_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var params map[string]any
	if raw, ok := req.GetArguments()["generation_params"].(map[string]any); ok {
		params = raw
	}

	if _, err := s.svc.EditDraft(draftID, text, params); err != nil {
		return mcp.NewToolResultErrorFromErr("edit failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Edited %s locally. Call save_draft to persist it.", draftID)), nil
}

func (s *Server) saveDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	draftID, err := req.RequireString("draft_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.SaveDraft(ctx, draftID)
	if err != nil {
		s.log.Warn("save draft failed", zap.String("draft_id", draftID), zap.Error(err))
		return mcp.NewToolResultErrorFromErr("save failed", err), nil
	}
	return jsonResult(toResult(store.View{Record: rec, Text: rec.DisplayText()}))
}

func (s *Server) discardEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	draftID, err := req.RequireString("draft_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.svc.DiscardEdit(draftID) {
		return mcp.NewToolResultText(fmt.Sprintf("%s had no local edit.", draftID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Discarded the local edit of %s.", draftID)), nil
}

func (s *Server) regenerateDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, err := req.RequireString("item_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	feedback := req.GetString("feedback", "")

	tk, err := s.svc.Regenerate(ctx, itemID, feedback)
	if err != nil {
		s.log.Warn("regenerate failed", zap.String("item_id", itemID), zap.Error(err))
		return mcp.NewToolResultErrorFromErr("regenerate failed", err), nil
	}
	if !req.GetBool("wait", false) {
		return mcp.NewToolResultText(fmt.Sprintf("Regeneration of item %s requested (replacing %s).", itemID, tk.DraftID)), nil
	}

	wctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	rec, err := tk.Wait(wctx)
	switch {
	case err == nil:
		return jsonResult(toResult(store.View{Record: rec, Text: rec.DisplayText()}))
	case errors.Is(err, regen.ErrStillProcessing), errors.Is(err, context.DeadlineExceeded):
		return mcp.NewToolResultText(fmt.Sprintf("Item %s is still processing; the new draft will appear when ready.", itemID)), nil
	default:
		return mcp.NewToolResultErrorFromErr("regenerate failed", err), nil
	}
}

func (s *Server) connectionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.svc.Status()
	out := map[string]any{
		"live":    st.Live(),
		"state":   st.State.String(),
		"session": st.Session,
	}
	if st.Reason != "" {
		out["reason"] = st.Reason
	}
	return jsonResult(out)
}

func (s *Server) refreshDrafts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.svc.Refresh(ctx); err != nil {
		return mcp.NewToolResultErrorFromErr("refresh failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Refreshed %d drafts.", len(s.svc.CurrentDrafts()))), nil
}
