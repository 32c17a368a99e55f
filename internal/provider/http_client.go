// Package provider implements core.Synthesizer against the speech services the
// audio service can use.
package provider

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

	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/audio-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMPEG   = "audio/mpeg"
)

// Default values.
const (
	defaultLanguage = "en-US"
	formatMP3       = "mp3"
	opSynthesize    = "synthesize"
	maxErrorBody    = 4096
)

var (
	// ErrTextEmpty indicates there was nothing to synthesize.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrEmptyAudio indicates the provider answered without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrUnexpectedContentType indicates the provider answered with something other than MP3.
	ErrUnexpectedContentType = errors.New("unexpected content type")
)

// HTTPClient is a client for a standalone TTS HTTP service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	language   string
}

// SpeechRequest defines the JSON payload of a synthesis request.
type SpeechRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
	Format   string `json:"format"`
}

// ErrorResponse is the structured error body of the TTS service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL
// (e.g. "http://localhost:8000"). The timeout applies to every request.
func NewHTTPClient(baseURL, language string, timeout time.Duration) *HTTPClient {
	if language == "" {
		language = defaultLanguage
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize requests MP3 speech for text in voice. Failures are returned as
// *classify.ServiceError carrying the service's error code and HTTP status.
func (c *HTTPClient) Synthesize(ctx context.Context, text string, voice core.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &classify.ServiceError{Op: opSynthesize, Kind: classify.KindInvalidInput, Err: ErrTextEmpty}
	}

	requestBody, err := json.Marshal(SpeechRequest{
		Text:     text,
		Voice:    string(voice),
		Language: c.language,
		Format:   formatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeMPEG)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, contentTypeMPEG) {
		return nil, &classify.ServiceError{
			Op:         opSynthesize,
			StatusCode: resp.StatusCode,
			Kind:       classify.KindServiceUnavailable,
			Err:        fmt.Errorf("%w: %s", ErrUnexpectedContentType, contentType),
		}
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, &classify.ServiceError{Op: opSynthesize, Kind: classify.KindServiceUnavailable, Err: ErrEmptyAudio}
	}

	return audioData, nil
}

// HealthCheck verifies that the TTS service is running.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &classify.ServiceError{Op: "health", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	return nil
}

// parseErrorResponse decodes the structured error of the service, keeping the
// raw body when it is not JSON.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return &classify.ServiceError{
			Op:         opSynthesize,
			Code:       errorResp.ErrorCode,
			StatusCode: resp.StatusCode,
			Err:        errors.New(errorResp.Detail),
		}
	}

	return &classify.ServiceError{
		Op:         opSynthesize,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("TTS service returned non-OK status: %s, body: %s", resp.Status, string(body)),
	}
}
