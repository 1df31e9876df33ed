package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	intobs "github.com/academy-dev/academy/internal/observability"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
)

// Client implements the exchange contract against a remote httpx server.
// One client can serve any number of registrations and handles.
type Client struct {
	base string
	http *http.Client

	// pollTimeout is the server-side wait requested per receive long poll.
	pollTimeout time.Duration
}

var _ exchange.Exchange = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithPollTimeout sets the per-request long-poll duration for receives.
func WithPollTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.pollTimeout = d }
}

// NewClient creates a client for the exchange server at baseURL, e.g.
// "http://exchange.example.com:8700".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:        baseURL,
		http:        &http.Client{Timeout: 90 * time.Second},
		pollTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return exchange.ErrUnknownAgent
	case http.StatusForbidden:
		return exchange.ErrMailboxClosed
	case http.StatusConflict:
		return exchange.ErrDuplicateAgent
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("exchange server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}

// Register creates a mailbox for id on the server and returns a remote
// view whose Get long-polls the server.
func (c *Client) Register(ctx context.Context, id identifier.EntityID, behavior string) (exchange.Mailbox, error) {
	resp, err := c.do(ctx, http.MethodPost, "/mailbox", map[string]string{
		"mailbox":  id.String(),
		"behavior": behavior,
	})
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return &remoteMailbox{client: c, id: id}, nil
}

// Unregister terminates the mailbox for id on the server.
func (c *Client) Unregister(ctx context.Context, id identifier.EntityID) error {
	resp, err := c.do(ctx, http.MethodDelete, "/mailbox", map[string]string{"mailbox": id.String()})
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Send delivers one envelope through the server.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	ctx, span := intobs.StartSpan(ctx, "exchange.send", trace.WithAttributes(
		attribute.String("message.kind", string(msg.Kind)),
		attribute.String("message.dest", msg.Dest.String()),
	))
	defer span.End()

	resp, err := c.do(ctx, http.MethodPut, "/message", map[string]*message.Message{"message": msg})
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Discover lists active agents registered under the behavior name.
func (c *Client) Discover(ctx context.Context, behavior string) ([]identifier.EntityID, error) {
	resp, err := c.do(ctx, http.MethodGet, "/discover", map[string]string{"behavior": behavior})
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var body struct {
		AgentIDs []string `json:"agent_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode discover response: %w", err)
	}
	ids := make([]identifier.EntityID, 0, len(body.AgentIDs))
	for _, raw := range body.AgentIDs {
		id, err := identifier.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode discover response: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Status reports the server's view of id.
func (c *Client) Status(ctx context.Context, id identifier.EntityID) (exchange.Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/mailbox", map[string]string{"mailbox": id.String()})
	if err != nil {
		return exchange.StatusMissing, err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return exchange.StatusMissing, statusError(resp)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return exchange.StatusMissing, fmt.Errorf("decode status response: %w", err)
	}
	return exchange.Status(body.Status), nil
}

// Close releases client-side resources. Registered mailboxes on the server
// are untouched.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// remoteMailbox long-polls the server for messages addressed to id.
type remoteMailbox struct {
	client *Client
	id     identifier.EntityID
	closed atomic.Bool
}

var _ exchange.Mailbox = (*remoteMailbox)(nil)

func (m *remoteMailbox) ID() identifier.EntityID { return m.id }

// Get retrieves the oldest undelivered message, issuing bounded long polls
// until one arrives, the context is done, or the mailbox is terminated.
func (m *remoteMailbox) Get(ctx context.Context) (*message.Message, error) {
	for {
		if m.closed.Load() {
			return nil, exchange.ErrMailboxClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		poll := m.client.pollTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < poll {
				poll = remaining
			}
		}

		resp, err := m.client.do(ctx, http.MethodGet, "/message", mailboxRequest{
			Mailbox: m.id.String(),
			Timeout: poll.Seconds(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var body struct {
				Message *message.Message `json:"message"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&body)
			drainAndClose(resp)
			if decodeErr != nil {
				return nil, fmt.Errorf("decode received message: %w", decodeErr)
			}
			return body.Message, nil
		case http.StatusRequestTimeout:
			drainAndClose(resp)
			continue
		case http.StatusForbidden:
			drainAndClose(resp)
			m.closed.Store(true)
			return nil, exchange.ErrMailboxClosed
		default:
			err := statusError(resp)
			drainAndClose(resp)
			return nil, err
		}
	}
}

// Close marks the client-side view closed without terminating the server
// registration.
func (m *remoteMailbox) Close() error {
	m.closed.Store(true)
	return nil
}
