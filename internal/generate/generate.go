// Package generate wraps the external generation backend. The core treats
// the backend as an opaque collaborator: given a prompt it returns a media
// reference or a failure reason. Latency and retry policy belong to the
// backend, not to this package.
package generate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"promptq/internal/models"
)

// Generator executes one generation request. Implementations must honor
// context cancellation so an in-flight call can be interrupted when the
// queue is stopped.
type Generator interface {
	Generate(ctx context.Context, p models.Prompt) (mediaURL string, err error)
}

// Options controls how the HTTP backend client is configured.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// New returns the HTTP-backed generator, or a deterministic synthetic
// generator when no API key is configured so the worker stays fully
// operational in local and CI environments.
func New(opts Options) Generator {
	if opts.APIKey == "" {
		opts.Logger.Warn().Msg("generation api key missing, using synthetic generator")
		return &Synthetic{Delay: 100 * time.Millisecond}
	}
	return NewClient(opts)
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

type generateRequest struct {
	Prompt        string `json:"prompt"`
	MediaType     string `json:"media_type"`
	AttachedImage string `json:"attached_image,omitempty"`
}

type generateResponse struct {
	MediaURL string `json:"media_url"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, p models.Prompt) (string, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:        p.Text,
		MediaType:     string(p.MediaType),
		AttachedImage: p.AttachedImage,
	})
	if err != nil {
		return "", fmt.Errorf("encoding generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling generation backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading generation response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding generation response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || out.Error != "" {
		reason := out.Error
		if reason == "" {
			reason = fmt.Sprintf("backend returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("generation failed: %s", reason)
	}
	if out.MediaURL == "" {
		return "", fmt.Errorf("generation backend returned no media reference")
	}

	c.logger.Debug().
		Str("prompt_id", p.ID).
		Dur("elapsed", time.Since(start)).
		Msg("generation completed")
	return out.MediaURL, nil
}

// Synthetic produces a deterministic local media reference after a short
// delay. It respects context cancellation like the real client.
type Synthetic struct {
	Delay time.Duration
}

func (s *Synthetic) Generate(ctx context.Context, p models.Prompt) (string, error) {
	select {
	case <-time.After(s.Delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	sum := sha256.Sum256([]byte(p.ID + ":" + p.Text))
	ext := "png"
	if p.MediaType == models.MediaVideo {
		ext = "mp4"
	}
	return fmt.Sprintf("synthetic://%s.%s", hex.EncodeToString(sum[:8]), ext), nil
}
