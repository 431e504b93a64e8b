package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// D-ID Talking Avatar Service
// Turns a block of narration into a talking-presenter video clip.
// Deferred pattern: POST /talks → poll GET /talks/{id} until done → result_url.
// ---------------------------------------------------------------------------

const (
	didDefaultBaseURL      = "https://api.d-id.com"
	didDefaultPresenterURL = "https://create-images-results.d-id.com/DefaultPresenters/Noelle_f_ca_straightface_v3/image.jpeg"
	didDefaultVoiceID      = "en-US-GuyNeural"
	didDefaultPollInterval = 1 * time.Second
	didRequestTimeout      = 30 * time.Second // per HTTP call, not the whole poll cycle
)

var (
	ErrMissingAPIKey     = errors.New("D-ID API key is required")
	ErrNoResultURL       = errors.New("no result URL in completed talk")
	ErrPollLimitExceeded = errors.New("talk did not settle within the poll limit")
)

// ProviderError is a non-success HTTP response from the avatar provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// TalkFailedError means the provider reported the talk itself as failed.
type TalkFailedError struct {
	TalkID  string
	Message string
}

func (e *TalkFailedError) Error() string {
	return e.Message
}

// TalkStatus is the provider-side lifecycle of a talk.
type TalkStatus string

const (
	TalkStatusCreated TalkStatus = "created"
	TalkStatusStarted TalkStatus = "started"
	TalkStatusDone    TalkStatus = "done"
	TalkStatusError   TalkStatus = "error"
)

// coarseProgress maps a non-terminal status onto the percentage reported while polling.
func (s TalkStatus) coarseProgress() int {
	if s == TalkStatusStarted {
		return 50
	}
	return 25
}

// AvatarClient synthesizes one talking-avatar clip per narration text and returns its URL.
type AvatarClient interface {
	GenerateWithProgress(ctx context.Context, text string, onProgress func(percent int)) (string, error)
}

// DIDOptions overrides the service defaults. Zero values keep the defaults.
type DIDOptions struct {
	BaseURL      string
	PresenterURL string
	VoiceID      string
	PollInterval time.Duration
	MaxPolls     int          // 0 = poll until the talk settles
	OnError      func(error)  // receives every request failure before it is returned
	HTTPClient   *http.Client // nil = default client with a per-call timeout
}

// DIDService talks to the D-ID REST API.
type DIDService struct {
	apiKey       string
	baseURL      string
	presenterURL string
	voiceID      string
	pollInterval time.Duration
	maxPolls     int
	onError      func(error)
	httpClient   *http.Client
}

var _ AvatarClient = (*DIDService)(nil)

// NewDIDService fails immediately when apiKey is empty.
func NewDIDService(apiKey string, opts DIDOptions) (*DIDService, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	s := &DIDService{
		apiKey:       apiKey,
		baseURL:      didDefaultBaseURL,
		presenterURL: didDefaultPresenterURL,
		voiceID:      didDefaultVoiceID,
		pollInterval: didDefaultPollInterval,
		maxPolls:     opts.MaxPolls,
		onError:      opts.OnError,
		httpClient:   opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		s.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.PresenterURL != "" {
		s.presenterURL = opts.PresenterURL
	}
	if opts.VoiceID != "" {
		s.voiceID = opts.VoiceID
	}
	if opts.PollInterval > 0 {
		s.pollInterval = opts.PollInterval
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: didRequestTimeout}
	}

	return s, nil
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// didTalkRequest is the body for POST /talks
type didTalkRequest struct {
	Script    didScript     `json:"script"`
	Config    didTalkConfig `json:"config"`
	SourceURL string        `json:"source_url"`
}

type didScript struct {
	Type     string           `json:"type"`
	Input    string           `json:"input"`
	Provider didVoiceProvider `json:"provider"`
}

type didVoiceProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type didTalkConfig struct {
	Fluent   bool `json:"fluent"`
	PadAudio int  `json:"pad_audio"`
}

// Talk is the response of both POST /talks and GET /talks/{id}.
type Talk struct {
	ID        string        `json:"id"`
	CreatedAt string        `json:"created_at,omitempty"`
	Status    TalkStatus    `json:"status"`
	ResultURL string        `json:"result_url,omitempty"`
	Error     *didTalkError `json:"error,omitempty"`
}

type didTalkError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// CreateTalk submits narration text and returns the provider talk id.
func (s *DIDService) CreateTalk(ctx context.Context, text string) (string, error) {
	reqBody := didTalkRequest{
		Script: didScript{
			Type:  "text",
			Input: text,
			Provider: didVoiceProvider{
				Type:    "microsoft",
				VoiceID: s.voiceID,
			},
		},
		Config: didTalkConfig{
			Fluent:   true,
			PadAudio: 0,
		},
		SourceURL: s.presenterURL,
	}

	var talk Talk
	if err := s.do(ctx, http.MethodPost, "/talks", reqBody, &talk); err != nil {
		return "", err
	}

	zap.S().Named("did").Debugf("talk %s created (textLen=%d)", talk.ID, len(text))
	return talk.ID, nil
}

// GetTalkStatus fetches the current state of a talk.
func (s *DIDService) GetTalkStatus(ctx context.Context, talkID string) (*Talk, error) {
	var talk Talk
	if err := s.do(ctx, http.MethodGet, "/talks/"+talkID, nil, &talk); err != nil {
		return nil, err
	}
	return &talk, nil
}

// WaitForCompletion polls until the talk is done or failed. Every non-terminal
// poll reports coarse progress (created → 25, started → 50); 100 is reported once
// the talk is done.
func (s *DIDService) WaitForCompletion(ctx context.Context, talkID string, onProgress func(int)) (*Talk, error) {
	report := func(p int) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	for polls := 1; ; polls++ {
		talk, err := s.GetTalkStatus(ctx, talkID)
		if err != nil {
			return nil, err
		}

		switch talk.Status {
		case TalkStatusError:
			msg := "Talk generation failed"
			if talk.Error != nil && talk.Error.Message != "" {
				msg = talk.Error.Message
			}
			return nil, &TalkFailedError{TalkID: talkID, Message: msg}

		case TalkStatusDone:
			report(100)
			return talk, nil
		}

		report(talk.Status.coarseProgress())

		if s.maxPolls > 0 && polls >= s.maxPolls {
			return nil, fmt.Errorf("%w (talk %s, %d polls)", ErrPollLimitExceeded, talkID, polls)
		}

		zap.S().Named("did").Debugf("poll %d: talk %s status=%s (next poll in %v)", polls, talkID, talk.Status, s.pollInterval)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("talk %s polling cancelled: %w", talkID, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

// GenerateWithProgress reports 0, creates a talk, waits for it and returns the clip URL.
func (s *DIDService) GenerateWithProgress(ctx context.Context, text string, onProgress func(int)) (string, error) {
	if onProgress != nil {
		onProgress(0)
	}

	talkID, err := s.CreateTalk(ctx, text)
	if err != nil {
		return "", err
	}

	talk, err := s.WaitForCompletion(ctx, talkID, onProgress)
	if err != nil {
		return "", err
	}

	if talk.ResultURL == "" {
		return "", ErrNoResultURL
	}

	return talk.ResultURL, nil
}

// do performs one authenticated JSON request. Failures are handed to the error
// sink before they are returned.
func (s *DIDService) do(ctx context.Context, method, endpoint string, body, out interface{}) (err error) {
	defer func() {
		if err != nil && s.onError != nil {
			s.onError(err)
		}
	}()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Basic "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("D-ID request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: providerMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse D-ID response: %w (body: %s)", err, truncate(string(respBody), 200))
	}

	return nil
}

// providerMessage pulls "message" out of an error body, with a generic fallback.
func providerMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return "Failed to make D-ID API request"
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
