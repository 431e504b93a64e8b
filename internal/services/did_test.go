package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// talkServer serves POST /talks and walks GET /talks/{id} through statuses.
func talkServer(t *testing.T, statuses []Talk) (*httptest.Server, *didTalkRequest) {
	t.Helper()
	var polls int32
	captured := &didTalkRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Basic test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/talks":
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("failed to decode talk request: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Talk{ID: "tlk_1", Status: TalkStatusCreated})

		case r.Method == http.MethodGet && r.URL.Path == "/talks/tlk_1":
			i := int(atomic.AddInt32(&polls, 1)) - 1
			if i >= len(statuses) {
				i = len(statuses) - 1
			}
			json.NewEncoder(w).Encode(statuses[i])

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func newTestDID(t *testing.T, baseURL string, opts DIDOptions) *DIDService {
	t.Helper()
	opts.BaseURL = baseURL
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	s, err := NewDIDService("test-key", opts)
	if err != nil {
		t.Fatalf("NewDIDService: %v", err)
	}
	return s
}

func TestNewDIDServiceRequiresKey(t *testing.T) {
	if _, err := NewDIDService("", DIDOptions{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewDIDServiceDefaults(t *testing.T) {
	s, err := NewDIDService("k", DIDOptions{})
	if err != nil {
		t.Fatalf("NewDIDService: %v", err)
	}
	if s.baseURL != "https://api.d-id.com" || s.voiceID != "en-US-GuyNeural" || s.pollInterval != time.Second {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.presenterURL != didDefaultPresenterURL || s.maxPolls != 0 {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func TestGenerateWithProgressHappyPath(t *testing.T) {
	srv, captured := talkServer(t, []Talk{
		{ID: "tlk_1", Status: TalkStatusCreated},
		{ID: "tlk_1", Status: TalkStatusStarted},
		{ID: "tlk_1", Status: TalkStatusDone, ResultURL: "https://cdn/talk.mp4"},
	})
	s := newTestDID(t, srv.URL, DIDOptions{VoiceID: "en-GB-RyanNeural"})

	var progress []int
	url, err := s.GenerateWithProgress(context.Background(), "Hello investors", func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("GenerateWithProgress: %v", err)
	}
	if url != "https://cdn/talk.mp4" {
		t.Errorf("unexpected url %q", url)
	}

	want := []int{0, 25, 50, 100}
	if len(progress) != len(want) {
		t.Fatalf("expected progress %v, got %v", want, progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], want[i])
		}
	}

	if captured.Script.Type != "text" || captured.Script.Input != "Hello investors" {
		t.Errorf("unexpected script %+v", captured.Script)
	}
	if captured.Script.Provider.Type != "microsoft" || captured.Script.Provider.VoiceID != "en-GB-RyanNeural" {
		t.Errorf("unexpected provider %+v", captured.Script.Provider)
	}
	if !captured.Config.Fluent || captured.Config.PadAudio != 0 {
		t.Errorf("unexpected config %+v", captured.Config)
	}
	if captured.SourceURL != didDefaultPresenterURL {
		t.Errorf("unexpected source url %q", captured.SourceURL)
	}
}

func TestWaitForCompletionTalkError(t *testing.T) {
	srv, _ := talkServer(t, []Talk{
		{ID: "tlk_1", Status: TalkStatusStarted},
		{ID: "tlk_1", Status: TalkStatusError, Error: &didTalkError{Code: "bad_face", Message: "face not detected"}},
	})
	s := newTestDID(t, srv.URL, DIDOptions{})

	_, err := s.GenerateWithProgress(context.Background(), "text", nil)
	var talkErr *TalkFailedError
	if !errors.As(err, &talkErr) {
		t.Fatalf("expected TalkFailedError, got %v", err)
	}
	if talkErr.Message != "face not detected" || talkErr.TalkID != "tlk_1" {
		t.Errorf("unexpected talk error %+v", talkErr)
	}
}

func TestGenerateWithProgressNoResultURL(t *testing.T) {
	srv, _ := talkServer(t, []Talk{{ID: "tlk_1", Status: TalkStatusDone}})
	s := newTestDID(t, srv.URL, DIDOptions{})

	var progress []int
	_, err := s.GenerateWithProgress(context.Background(), "text", func(p int) { progress = append(progress, p) })
	if !errors.Is(err, ErrNoResultURL) {
		t.Fatalf("expected ErrNoResultURL, got %v", err)
	}
	if len(progress) != 2 || progress[1] != 100 {
		t.Errorf("expected 100 to be reported before the missing url is detected, got %v", progress)
	}
}

func TestProviderErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"kind":"InsufficientCreditsError","message":"not enough credits"}`))
	}))
	defer srv.Close()

	var sunk []error
	s := newTestDID(t, srv.URL, DIDOptions{OnError: func(err error) { sunk = append(sunk, err) }})

	_, err := s.CreateTalk(context.Background(), "text")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusPaymentRequired || provErr.Error() != "not enough credits" {
		t.Errorf("unexpected provider error %+v", provErr)
	}
	if len(sunk) != 1 || sunk[0] != err {
		t.Errorf("expected the error sink to see the returned error, got %v", sunk)
	}
}

func TestProviderErrorFallbackMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	s := newTestDID(t, srv.URL, DIDOptions{})
	_, err := s.GetTalkStatus(context.Background(), "tlk_1")
	if err == nil || err.Error() != "Failed to make D-ID API request" {
		t.Fatalf("expected fallback message, got %v", err)
	}
}

func TestWaitForCompletionPollLimit(t *testing.T) {
	srv, _ := talkServer(t, []Talk{{ID: "tlk_1", Status: TalkStatusStarted}})
	s := newTestDID(t, srv.URL, DIDOptions{MaxPolls: 3})

	var progress []int
	_, err := s.WaitForCompletion(context.Background(), "tlk_1", func(p int) { progress = append(progress, p) })
	if !errors.Is(err, ErrPollLimitExceeded) {
		t.Fatalf("expected ErrPollLimitExceeded, got %v", err)
	}
	if len(progress) != 3 {
		t.Errorf("expected 3 polls, got %d", len(progress))
	}
}

func TestWaitForCompletionContextCancel(t *testing.T) {
	srv, _ := talkServer(t, []Talk{{ID: "tlk_1", Status: TalkStatusCreated}})
	s := newTestDID(t, srv.URL, DIDOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.WaitForCompletion(ctx, "tlk_1", func(int) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
