// Package backend is the REST client for the drafts API: realtime tokens, the
// draft list, the regenerate command and draft saves.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/draft"
	"github.com/jwulff/draftsync/internal/realtime"
)

// ErrStatus is wrapped by every non-2xx response.
var ErrStatus = errors.New("unexpected status")

// StatusError describes a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client talks to the drafts API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a Client for baseURL. apiKey, when set, is sent as a bearer
// token.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", reqID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type tokenResponse struct {
	Token         string          `json:"token"`
	ExpiresApprox json.RawMessage `json:"expiresApprox"`
}

// Token fetches a realtime token for userID. When the response omits the
// expiry it is read from the token's exp claim.
func (c *Client) Token(ctx context.Context, userID string) (realtime.Token, error) {
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/realtime/token", map[string]string{"userId": userID}, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return realtime.Token{}, fmt.Errorf("%w: %w", realtime.ErrAuth, err)
		}
		return realtime.Token{}, fmt.Errorf("fetch token: %w", err)
	}
	if resp.Token == "" {
		return realtime.Token{}, errors.New("fetch token: empty token")
	}

	tok := realtime.Token{Value: resp.Token, ExpiresApprox: parseExpiry(resp.ExpiresApprox)}
	if tok.ExpiresApprox.IsZero() {
		tok.ExpiresApprox = jwtExpiry(resp.Token)
	}
	return tok, nil
}

func parseExpiry(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return draft.ParseTimestamp(s)
	}
	return draft.ParseTimestamp(string(raw))
}

// jwtExpiry reads exp without verifying the signature. The token is only
// inspected to schedule a refresh; the server remains the authority.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.UTC()
}

// ListDrafts fetches the draft list. The API returns either a bare array or
// {"drafts": [...]}.
func (c *Client) ListDrafts(ctx context.Context) ([]draft.Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/drafts", nil, &raw); err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var recs []draft.Record
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("decode drafts: %w", err)
		}
		return recs, nil
	}
	var wrapped struct {
		Drafts []draft.Record `json:"drafts"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode drafts: %w", err)
	}
	return wrapped.Drafts, nil
}

type regenerateRequest struct {
	DraftID      string             `json:"draftId"`
	ItemSnapshot draft.ItemSnapshot `json:"itemSnapshot"`
	Feedback     string             `json:"feedback,omitempty"`
}

// Regenerate asks the backend to regenerate draftID. accepted is false when
// the backend declined.
func (c *Client) Regenerate(ctx context.Context, draftID string, snap draft.ItemSnapshot, feedback string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	body := regenerateRequest{DraftID: draftID, ItemSnapshot: snap, Feedback: feedback}
	if err := c.do(ctx, http.MethodPost, "/drafts/"+url.PathEscape(draftID)+"/regenerate", body, &resp); err != nil {
		return false, fmt.Errorf("regenerate %s: %w", draftID, err)
	}
	return resp.Accepted, nil
}

type saveRequest struct {
	EditedText       string         `json:"editedText"`
	GenerationParams map[string]any `json:"generationParams,omitempty"`
}

// SaveDraft persists an edit and returns the server's updated record.
func (c *Client) SaveDraft(ctx context.Context, draftID, text string, params map[string]any) (draft.Record, error) {
	var raw json.RawMessage
	body := saveRequest{EditedText: text, GenerationParams: params}
	if err := c.do(ctx, http.MethodPut, "/drafts/"+url.PathEscape(draftID), body, &raw); err != nil {
		return draft.Record{}, fmt.Errorf("save draft %s: %w", draftID, err)
	}

	var wrapped struct {
		Draft *draft.Record `json:"draft"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Draft != nil {
		return *wrapped.Draft, nil
	}
	var rec draft.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return draft.Record{}, fmt.Errorf("decode saved draft: %w", err)
	}
	return rec, nil
}
