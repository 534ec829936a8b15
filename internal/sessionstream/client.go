package sessionstream

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
	"sync"
	"time"
)

const (
	DefaultTimeout = 10 * time.Minute

	SessionIDHeader = "X-Session-Id"
)

// ErrStreamEnded is the failure recorded when the transport closes before
// a terminal event.
var ErrStreamEnded = errors.New("stream closed before the session finished")

type Repository struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Branch string `json:"branch,omitempty"`
}

type Options struct {
	MaxTurns       int    `json:"maxTurns,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	CreatePR       bool   `json:"createPR,omitempty"`
}

type StartRequest struct {
	Prompt     string      `json:"prompt"`
	Repository *Repository `json:"repository,omitempty"`
	Options    Options     `json:"options"`
}

// RemoteSession is the server's record of a session.
type RemoteSession struct {
	ID         string      `json:"id"`
	Prompt     string      `json:"prompt"`
	Repository *Repository `json:"repository,omitempty"`
	Status     State       `json:"status"`
	Turns      int         `json:"turns"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds how long a stream may run without a terminal event.
// A non-positive d keeps DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			d = DefaultTimeout
		}
		c.timeout = d
	}
}

// Client talks to the interactive session endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No client timeout: streams are long-lived and bounded by Consume.
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a session and returns its live stream.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interactive/start", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating start request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("failed to start session: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	session := NewSession(req)
	if id := resp.Header.Get(SessionIDHeader); id != "" {
		session.SetID(id)
	}

	return &Stream{
		Session: session,
		client:  c,
		body:    resp.Body,
	}, nil
}

// Cancel asks the server to stop session id. Server-side cancellation is
// best effort.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/interactive/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("creating cancel request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cancel returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Status fetches the server's record of session id.
func (c *Client) Status(ctx context.Context, id string) (*RemoteSession, error) {
	return getJSON[RemoteSession](ctx, c, "/interactive/status?sessionId="+url.QueryEscape(id))
}

// List fetches recent sessions.
func (c *Client) List(ctx context.Context, limit int) ([]RemoteSession, error) {
	resp, err := getJSON[struct {
		Sessions []RemoteSession `json:"sessions"`
	}](ctx, c, fmt.Sprintf("/api/sessions?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func getJSON[T any](ctx context.Context, c *Client, path string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s returned HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &out, nil
}

// Stream is a live session. Consume must be called from one goroutine;
// Cancel may be called from any.
type Stream struct {
	Session *Session

	client    *Client
	body      io.ReadCloser
	parser    Parser
	closeOnce sync.Once
}

func (s *Stream) close() {
	s.closeOnce.Do(func() { _ = s.body.Close() })
}

// Consume reads the stream until the session ends, applying events in
// arrival order and passing each applied event to onEvent. If no terminal
// event arrives within the client timeout the session is failed.
//
// It returns nil whenever the session reached a terminal state, including
// timeout and cancellation; inspect Session.State for the outcome.
func (s *Stream) Consume(ctx context.Context, onEvent func(Event)) error {
	defer s.close()

	timeout := s.client.timeout
	timer := time.AfterFunc(timeout, func() {
		if s.Session.Fail(fmt.Sprintf("session timed out after %s", timeout)) {
			s.close()
		}
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		if s.Session.Fail(ctx.Err().Error()) {
			s.close()
		}
	})
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			s.apply(s.parser.Feed(buf[:n]), onEvent)
		}
		if s.Session.State().Terminal() {
			return nil
		}
		if s.parser.Done() {
			s.Session.Fail(ErrStreamEnded.Error())
			return nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.apply(s.parser.Flush(), onEvent)
				s.Session.Fail(ErrStreamEnded.Error())
				return nil
			}
			if s.Session.State().Terminal() {
				return nil
			}
			s.Session.Fail(err.Error())
			return fmt.Errorf("reading session stream: %w", err)
		}
	}
}

func (s *Stream) apply(events []Event, onEvent func(Event)) {
	for _, ev := range events {
		if c, ok := ev.(Connected); ok && c.SessionID != "" {
			s.Session.SetID(c.SessionID)
		}
		if s.Session.Apply(ev) && onEvent != nil {
			onEvent(ev)
		}
	}
}

// Cancel stops local application of events immediately, then asks the
// server to stop. The local handle is cancelled even if the request fails.
func (s *Stream) Cancel(ctx context.Context) error {
	s.Session.Cancel()
	s.close()

	id := s.Session.ID()
	if id == "" {
		return nil
	}
	return s.client.Cancel(ctx, id)
}
