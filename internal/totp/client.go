// Package totp holds the client for the code-generation gateway. The bot
// never touches TOTP seeds; it asks the gateway for the current code of a
// (client, service) label and relays the typed result.
package totp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// Status classifies a fetch result.
type Status int

const (
	// StatusOK means a code was returned.
	StatusOK Status = iota
	// StatusNotFound means the gateway knows no seed for the label.
	StatusNotFound
	// StatusUpstreamError covers transport failures, non-2xx responses and
	// malformed bodies.
	StatusUpstreamError
)

// Result is the outcome of one code fetch.
type Result struct {
	Status      Status
	Code        string    // 6+ digits, leading zeros preserved
	ValidFor    int       // seconds the code stays valid
	GeneratedAt time.Time // gateway-side generation time
	Detail      string    // failure description for StatusUpstreamError
}

var codeShapeRE = regexp.MustCompile(`^[0-9]{6,10}$`)

// Client fetches codes from the gateway over HTTP. One request per fetch,
// bounded timeout, no retry: a failed fetch is reported upward immediately
// so the dispatcher can tell the requester instead of stalling the loop.
type Client struct {
	baseURL string
	token   string // optional bearer
	http    *http.Client
}

// NewClient builds a gateway client. token may be empty when the gateway
// runs without auth.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// wire is the gateway's success payload.
type wire struct {
	Code      string `json:"code"`
	ValidFor  int    `json:"valid_for"`
	Timestamp string `json:"timestamp"`
}

// Fetch asks the gateway for the current code of client/service. requester
// is forwarded in X-Zulip-User for the gateway's own audit; it plays no role
// in the lookup. service may be empty for bare labels, in which case the
// label route is used.
func (c *Client) Fetch(ctx context.Context, client, service, requester string) Result {
	var url string
	if service == "" {
		url = fmt.Sprintf("%s/code?label=%s", c.baseURL, client)
	} else {
		url = fmt.Sprintf("%s/totp/%s/%s", c.baseURL, client, service)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return upstreamErr("build request: " + err.Error())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Zulip-User", requester)

	resp, err := c.http.Do(req)
	if err != nil {
		return upstreamErr("gateway unreachable: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{Status: StatusNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamErr(fmt.Sprintf("gateway returned %s", resp.Status))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return upstreamErr("read body: " + err.Error())
	}
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return upstreamErr("malformed body: " + err.Error())
	}
	if !codeShapeRE.MatchString(w.Code) {
		return upstreamErr("malformed code in response")
	}

	res := Result{Status: StatusOK, Code: w.Code, ValidFor: w.ValidFor}
	if res.ValidFor <= 0 {
		res.ValidFor = 30
	}
	if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
		res.GeneratedAt = ts
	}
	return res
}

func upstreamErr(detail string) Result {
	return Result{Status: StatusUpstreamError, Detail: detail}
}
