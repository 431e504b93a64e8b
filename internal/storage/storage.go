// Package storage uploads finished renders to a Supabase storage bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// per attempt; a five minute 1080p render is a few hundred MB at most
	uploadTimeout = 10 * time.Minute

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	videoContentType = "video/mp4"
)

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	backoff    func(attempt int) time.Duration
	log        *zap.SugaredLogger
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff: retryDelay,
		log:     zap.S().Named("storage"),
	}
}

// RenderPath is the object path of a job's video: renders/<jobID>/<basename>.
func RenderPath(jobID, localPath string) string {
	return path.Join("renders", jobID, filepath.Base(localPath))
}

// UploadRender uploads the video at localPath for jobID and returns its public URL.
func (s *Storage) UploadRender(ctx context.Context, jobID, localPath string) (string, error) {
	objectPath := RenderPath(jobID, localPath)
	if err := s.UploadFile(ctx, objectPath, localPath, videoContentType); err != nil {
		return "", err
	}
	return s.GetPublicURL(objectPath), nil
}

// UploadFile streams a local file to objectPath, retrying transient failures with
// exponential backoff. The file is reopened for every attempt.
func (s *Storage) UploadFile(ctx context.Context, objectPath, localPath, contentType string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat file %s: %w", localPath, err)
	}

	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt)
			s.log.Warnw("Retrying upload", "attempt", attempt, "max", maxRetries, "path", objectPath, "delay", delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		retry, err := s.put(ctx, url, localPath, info.Size(), contentType)
		if err == nil {
			if attempt > 0 {
				s.log.Infow("Upload succeeded after retry", "attempt", attempt+1, "path", objectPath)
			}
			return nil
		}
		lastErr = err
		if !retry {
			return lastErr
		}
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// put performs one upload attempt and reports whether a failure is worth retrying.
func (s *Storage) put(ctx context.Context, url, localPath string, size int64, contentType string) (bool, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return false, fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer f.Close()

	attemptCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPut, url, f)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("upload cancelled: %w", ctx.Err())
		}
		return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return false, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return isRetryableStatus(resp.StatusCode), fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
}

func (s *Storage) GetPublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, objectPath)
}

// retryDelay is base * 2^(attempt-1), capped, plus up to 25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
