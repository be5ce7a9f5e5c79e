package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "totp-bot@org.example", "tok", 5*time.Second, 10*time.Second)
}

func TestRegisterQueue(t *testing.T) {
	var gotPath, gotEventTypes, gotUser string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotEventTypes = r.PostFormValue("event_types")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "success", "queue_id": "q123", "last_event_id": int64(7),
		})
	})

	q, err := c.RegisterQueue(context.Background())
	if err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	if q.ID != "q123" || q.LastEventID != 7 {
		t.Errorf("queue = %+v", q)
	}
	if gotPath != "/api/v1/register" {
		t.Errorf("path = %q", gotPath)
	}
	if gotEventTypes != `["message"]` {
		t.Errorf("event_types = %q", gotEventTypes)
	}
	if gotUser != "totp-bot@org.example" {
		t.Errorf("basic auth user = %q", gotUser)
	}
}

func TestRegisterQueue_EmptyQueueID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success"})
	})
	if _, err := c.RegisterQueue(context.Background()); err == nil {
		t.Fatal("expected error for empty queue id")
	}
}

func TestGetEvents_DecodesBatch(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "success",
			"events": []map[string]any{
				{"id": 8, "type": "heartbeat"},
				{"id": 9, "type": "message", "message": map[string]any{
					"id": 100, "sender_id": 42,
					"sender_email":     "bob@example.com",
					"sender_full_name": "Bob",
					"type":             "private",
					"content":          "!mfa-acme-gmail",
				}},
			},
		})
	})

	evs, err := c.GetEvents(context.Background(), "q123", 7)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d", len(evs))
	}
	if evs[0].Type != "heartbeat" || evs[0].Message != nil {
		t.Errorf("event 0 = %+v", evs[0])
	}
	m := evs[1].Message
	if m == nil || m.SenderID != 42 || m.SenderEmail != "bob@example.com" || m.Content != "!mfa-acme-gmail" {
		t.Errorf("event 1 message = %+v", m)
	}

	if gotQuery.Get("queue_id") != "q123" || gotQuery.Get("last_event_id") != "7" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotQuery.Get("dont_block") != "false" || gotQuery.Get("timeout") != "10" {
		t.Errorf("long-poll params = %v", gotQuery)
	}
}

func TestGetEvents_BadQueue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "error", "code": "BAD_EVENT_QUEUE_ID", "msg": "Bad event queue id",
		})
	})

	_, err := c.GetEvents(context.Background(), "dead", 0)
	if !errors.Is(err, ErrBadEventQueue) {
		t.Fatalf("err = %v, want ErrBadEventQueue", err)
	}
}

func TestSendDirectMessage(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "id": 1})
	})

	if err := c.SendDirectMessage(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("SendDirectMessage: %v", err)
	}
	if form.Get("type") != "private" || form.Get("to") != "[42]" || form.Get("content") != "hello" {
		t.Errorf("form = %v", form)
	}
}

func TestSendChannelMessage(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "id": 2})
	})

	if err := c.SendChannelMessage(context.Background(), "acme", "channel events", "line"); err != nil {
		t.Fatalf("SendChannelMessage: %v", err)
	}
	if form.Get("type") != "stream" || form.Get("to") != "acme" || form.Get("topic") != "channel events" {
		t.Errorf("form = %v", form)
	}
}

func TestSendChannelMessage_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "error", "code": "STREAM_DOES_NOT_EXIST", "msg": "Stream 'nope' does not exist",
		})
	})

	err := c.SendChannelMessage(context.Background(), "nope", "t", "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "STREAM_DOES_NOT_EXIST" {
		t.Fatalf("err = %v, want APIError with code", err)
	}
}

func TestListSubscribers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/get_stream_id":
			if r.URL.Query().Get("stream") != "acme" {
				t.Errorf("stream param = %q", r.URL.Query().Get("stream"))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "stream_id": 55})
		case "/api/v1/streams/55/members":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": "success", "subscribers": []int64{42, 43},
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	subs, err := c.ListSubscribers(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("subscribers = %v", subs)
	}
	if _, ok := subs[42]; !ok {
		t.Error("user 42 missing from set")
	}
}

func TestListSubscribers_StreamNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "error", "code": "STREAM_DOES_NOT_EXIST", "msg": "no such stream",
		})
	})

	_, err := c.ListSubscribers(context.Background(), "ghost")
	if !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("err = %v, want ErrStreamNotFound", err)
	}
}

func TestDo_NonJSONErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	err := c.SendDirectMessage(context.Background(), 1, "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want APIError 502", err)
	}
}
