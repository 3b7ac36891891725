// Package transcribe wraps the external speech-to-text service behind a
// small typed interface.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"readalong/pkg/domain"
)

const defaultModel = "whisper-1"

// Segment is one timestamped piece of a transcription.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the provider's response: full text plus per-segment
// timestamps. Duration is derived from the last segment when the provider
// omits it.
type Transcription struct {
	Text     string    `json:"text"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Transcriber converts an audio file into timestamped text. Implementations
// perform no retries; retry policy belongs to the orchestrator.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Transcription, error)
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier sent to the provider. Defaults to
// "whisper-1".
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client calls an OpenAI-compatible transcription endpoint
// (POST {baseURL}/audio/transcriptions, multipart form, verbose JSON
// response format).
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ Transcriber = (*Client)(nil)

// NewClient creates a Client for the given base URL (e.g.
// "https://api.openai.com/v1"). baseURL must be non-empty.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("transcribe: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe uploads the audio file and returns the transcription with
// timestamped segments. A non-2xx status or malformed body yields
// domain.ErrTranscriptionFailed.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (Transcription, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: open audio: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: create form file: %w", err)
	}
	if _, err := io.Copy(fw, file); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: read audio: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: close multipart writer: %w", err)
	}

	endpoint := c.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcription{}, fmt.Errorf("provider returned HTTP %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(msg)), domain.ErrTranscriptionFailed)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: read response: %w", err)
	}
	var result Transcription
	if err := json.Unmarshal(data, &result); err != nil {
		return Transcription{}, fmt.Errorf("malformed provider response: %w", domain.ErrTranscriptionFailed)
	}
	if result.Duration == 0 && len(result.Segments) > 0 {
		result.Duration = result.Segments[len(result.Segments)-1].End
	}
	return result, nil
}
