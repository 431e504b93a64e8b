package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("job_id"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, h *Hub, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?job_id=" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount(jobID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client for %q never registered", jobID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestBroadcastReachesJobAndGlobalSubscribers(t *testing.T) {
	h, srv := startHub(t)
	jobConn := dial(t, h, srv, "job-1")
	allConn := dial(t, h, srv, AllJobs)

	h.Broadcast(Message{Type: "progress", JobID: "job-1", Data: map[string]any{"percent": 42}})

	for _, conn := range []*websocket.Conn{jobConn, allConn} {
		msg := readMessage(t, conn)
		if msg.Type != "progress" || msg.JobID != "job-1" || msg.Timestamp.IsZero() {
			t.Errorf("unexpected message %+v", msg)
		}
	}
}

func TestBroadcastSkipsOtherJobs(t *testing.T) {
	h, srv := startHub(t)
	other := dial(t, h, srv, "job-2")
	mine := dial(t, h, srv, "job-1")

	h.Broadcast(Message{Type: "jobStarted", JobID: "job-1"})
	h.Broadcast(Message{Type: "jobStarted", JobID: "job-2"})

	if msg := readMessage(t, mine); msg.JobID != "job-1" {
		t.Errorf("job-1 subscriber got %+v", msg)
	}
	if msg := readMessage(t, other); msg.JobID != "job-2" {
		t.Errorf("job-2 subscriber got %+v", msg)
	}
}

func TestClientUnregistersOnClose(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, h, srv, "job-1")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount("job-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.dealreel.io"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://app.dealreel.io")
	if !check(r) {
		t.Error("configured origin should be allowed")
	}
	r.Header.Set("Origin", "https://evil.example.com")
	if check(r) {
		t.Error("unknown origin should be rejected")
	}
	if !originChecker(nil)(r) {
		t.Error("no configured origins should allow everything")
	}
}
