package srv

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadreview/relay/pkg/config"
	"github.com/chadreview/relay/pkg/event"
	"github.com/chadreview/relay/pkg/webhook"
)

const testSecret = "mysecret"

const reviewCommentBody = `{
	"action": "created",
	"comment": {
		"id": 42,
		"body": "LGTM",
		"path": "src/main.go",
		"commit_id": "abc123",
		"original_commit_id": "abc123",
		"line": 10,
		"side": "RIGHT",
		"user": {"id": 1, "login": "alice", "avatar_url": "", "html_url": ""},
		"created_at": "2024-01-15T10:30:00Z",
		"updated_at": "2024-01-15T10:30:00Z"
	},
	"pull_request": {"number": 7, "title": "t", "state": "open", "head": {"ref": "f", "sha": "a"}, "base": {"ref": "main", "sha": "b"}},
	"repository": {"name": "hi", "owner": {"id": 2, "login": "octo", "avatar_url": "", "html_url": ""}, "full_name": "octo/hi"}
}`

func newTestRelay(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()

	t.Setenv("FORGE_WEBHOOK_SECRET", testSecret)
	t.Setenv("RATE_LIMIT_PER_MINUTE", "10000")
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}

	server := New(cfg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return ts, server
}

func dialWS(t *testing.T, ts *httptest.Server, instanceID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + instanceID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func postWebhook(t *testing.T, ts *httptest.Server, instanceID, eventType, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhook/"+instanceID, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", webhook.Sign([]byte(body), testSecret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return frame
}

// Happy path: connect, subscribe, deliver a signed line comment end to end.
func TestRelayDeliversLineComment(t *testing.T) {
	ts, _ := newTestRelay(t)

	conn := dialWS(t, ts, "inst-A")
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"Subscribe":{"pr_key":{"owner":"octo","repo":"hi","number":7}}}`)); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if _, ok := frame["Subscribed"]; !ok {
		t.Fatalf("expected Subscribed ack, got %v", frame)
	}

	resp := postWebhook(t, ts, "inst-A", event.TypePullRequestReviewComment, reviewCommentBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d, want 202", resp.StatusCode)
	}

	frame = readFrame(t, conn)
	body, ok := frame["Webhook"]
	if !ok {
		t.Fatalf("expected Webhook frame, got %v", frame)
	}

	var relayed struct {
		InstanceID string          `json:"instance_id"`
		PrKey      event.PrKey     `json:"pr_key"`
		Event      json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed.InstanceID != "inst-A" {
		t.Errorf("instance_id = %q, want inst-A", relayed.InstanceID)
	}
	want := event.PrKey{Owner: "octo", Repo: "hi", Number: 7}
	if relayed.PrKey != want {
		t.Errorf("pr_key = %v, want %v", relayed.PrKey, want)
	}

	decoded, err := event.Unmarshal(relayed.Event)
	if err != nil {
		t.Fatal(err)
	}
	rc, ok := decoded.(event.PullRequestReviewComment)
	if !ok {
		t.Fatalf("event decoded to %T, want PullRequestReviewComment", decoded)
	}
	if rc.Comment.Body != "LGTM" {
		t.Errorf("comment body = %q, want LGTM", rc.Comment.Body)
	}
}

// Without a subscription, the webhook is accepted but nothing is delivered.
func TestRelayFiltersUnsubscribed(t *testing.T) {
	ts, _ := newTestRelay(t)

	conn := dialWS(t, ts, "inst-A")
	// Wait until the session is registered before posting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := postWebhook(t, ts, "inst-A", event.TypePullRequestReviewComment, reviewCommentBody)
		data, _ := io.ReadAll(resp.Body)
		if string(data) == "not_subscribed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A ping round-trip proves no Webhook frame was queued ahead of it.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"Ping":null}`)); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if _, ok := frame["Pong"]; !ok {
		t.Fatalf("expected Pong with no preceding Webhook, got %v", frame)
	}
}

func TestRelayRejectsBadSignature(t *testing.T) {
	ts, _ := newTestRelay(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhook/inst-C",
		bytes.NewReader([]byte(reviewCommentBody)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-GitHub-Event", event.TypePullRequestReviewComment)
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestRelay(t)

	// Generate at least one counted webhook.
	postWebhook(t, ts, "inst-X", event.TypePullRequestReviewComment, reviewCommentBody)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "relay_webhooks_received_total") {
		t.Error("metrics output missing relay counters")
	}
}

// Shutdown signals sessions to drain; a connected client observes the close
// and the registry empties.
func TestShutdownClosesSessions(t *testing.T) {
	ts, server := newTestRelay(t)

	conn := dialWS(t, ts, "inst-S")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Registry().Len() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client should observe the close on shutdown")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Registry().Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("registry should be empty after shutdown")
}
