package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const userAgent = "lsr-totp-bot/2.0"

var (
	// ErrBadEventQueue means the server expired or garbage-collected the
	// queue; the caller must register a new one.
	ErrBadEventQueue = errors.New("zulip: event queue expired")

	// ErrStreamNotFound means no stream with the given name exists.
	ErrStreamNotFound = errors.New("zulip: stream not found")
)

// APIError is a non-success payload returned by the Zulip API.
type APIError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("zulip api: %s (%s, http %d)", e.Msg, e.Code, e.Status)
}

// Client talks to one Zulip organization with bot credentials (basic auth).
// Two HTTP clients are kept: a short-timeout one for normal calls and a
// long-timeout one for the blocking events endpoint.
type Client struct {
	apiBase string // {org}/api/v1
	email   string
	token   string

	eventTimeout time.Duration // server-side long-poll wait

	http     *http.Client
	pollHTTP *http.Client
}

// NewClient builds a Client for the given org. eventTimeout is the requested
// server-side wait on GetEvents; the poll HTTP client allows 5s beyond it.
func NewClient(orgURL, botEmail, botToken string, callTimeout, eventTimeout time.Duration) *Client {
	return &Client{
		apiBase:      strings.TrimRight(orgURL, "/") + "/api/v1",
		email:        botEmail,
		token:        botToken,
		eventTimeout: eventTimeout,
		http:         &http.Client{Timeout: callTimeout},
		pollHTTP:     &http.Client{Timeout: eventTimeout + 5*time.Second},
	}
}

// BotEmail returns the bot's own login email, used by the dispatcher to
// filter out its own messages.
func (c *Client) BotEmail() string { return c.email }

// RegisterQueue registers an event queue delivering message events and
// returns its id and starting cursor.
func (c *Client) RegisterQueue(ctx context.Context) (*Queue, error) {
	form := url.Values{"event_types": {`["message"]`}}
	var q Queue
	if err := c.do(ctx, c.http, http.MethodPost, "/register", form, nil, &q); err != nil {
		return nil, err
	}
	if q.ID == "" {
		return nil, errors.New("zulip: register returned empty queue id")
	}
	return &q, nil
}

// GetEvents blocks until new events arrive after lastEventID, the server
// long-poll window elapses (returning an empty batch), or ctx is done.
// Returns ErrBadEventQueue when the queue no longer exists server-side.
func (c *Client) GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	params := url.Values{
		"queue_id":      {queueID},
		"last_event_id": {strconv.FormatInt(lastEventID, 10)},
		"dont_block":    {"false"},
		"timeout":       {strconv.Itoa(int(c.eventTimeout / time.Second))},
	}
	var out struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, c.pollHTTP, http.MethodGet, "/events", nil, params, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "BAD_EVENT_QUEUE_ID" {
			return nil, ErrBadEventQueue
		}
		return nil, err
	}
	return out.Events, nil
}

// SendDirectMessage sends a private message to one user.
func (c *Client) SendDirectMessage(ctx context.Context, userID int64, text string) error {
	form := url.Values{
		"type":    {MessageTypePrivate},
		"to":      {fmt.Sprintf("[%d]", userID)},
		"content": {text},
	}
	return c.do(ctx, c.http, http.MethodPost, "/messages", form, nil, nil)
}

// SendChannelMessage posts to a stream under the given topic.
func (c *Client) SendChannelMessage(ctx context.Context, stream, topic, text string) error {
	form := url.Values{
		"type":    {MessageTypeStream},
		"to":      {stream},
		"topic":   {topic},
		"content": {text},
	}
	return c.do(ctx, c.http, http.MethodPost, "/messages", form, nil, nil)
}

// ListSubscribers returns the user ids subscribed to the named stream.
// A missing stream is ErrStreamNotFound; any other failure is returned as-is.
func (c *Client) ListSubscribers(ctx context.Context, stream string) (map[int64]struct{}, error) {
	var idResp struct {
		StreamID int64 `json:"stream_id"`
	}
	params := url.Values{"stream": {stream}}
	err := c.do(ctx, c.http, http.MethodGet, "/get_stream_id", nil, params, &idResp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Code == "STREAM_DOES_NOT_EXIST" || apiErr.Status == http.StatusNotFound {
				return nil, ErrStreamNotFound
			}
		}
		return nil, err
	}

	var memResp struct {
		Subscribers []int64 `json:"subscribers"`
	}
	path := fmt.Sprintf("/streams/%d/members", idResp.StreamID)
	if err := c.do(ctx, c.http, http.MethodGet, path, nil, nil, &memResp); err != nil {
		return nil, err
	}

	set := make(map[int64]struct{}, len(memResp.Subscribers))
	for _, id := range memResp.Subscribers {
		set[id] = struct{}{}
	}
	return set, nil
}

// do issues one API call. form is sent urlencoded in the body (POST); params
// go in the query string. The decoded body is written into out when non-nil.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, form url.Values, params url.Values, out any) error {
	u := c.apiBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}
		_ = json.Unmarshal(raw, apiErr) // keep status text when the body is not JSON
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("zulip: decode %s response: %w", path, err)
		}
	}
	return nil
}
