// Package ollama implements the embedding provider backed by a local
// Ollama server, for fully offline deployments.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "nomic-embed-text"

// DefaultDimensions is the output width of DefaultModel.
const DefaultDimensions = 768

// Client is an Ollama embedding client. It implements the
// embedder.Provider interface.
type Client struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

// Config is the configuration for the Ollama embedding client.
type Config struct {
	// BaseURL is the Ollama server address. Defaults to DefaultBaseURL.
	BaseURL string

	// Model is the embedding model name. Defaults to DefaultModel.
	Model string

	// Dimensions is the vector width. Defaults to DefaultDimensions.
	Dimensions int

	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration
}

// NewClient creates a new Ollama embedding client.
func NewClient(cfg *Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = DefaultDimensions
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed converts a single text to a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("Embed: ollama returned status %d: %s", resp.StatusCode, msg)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("Embed: empty embedding returned for model %s", c.model)
	}
	return out.Embedding, nil
}

// EmbedBatch converts multiple texts to vectors. The Ollama embeddings
// endpoint takes one prompt per request, so the batch is sequential.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	embeddings := make([][]float64, len(texts))
	for i, text := range texts {
		embedding, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("EmbedBatch: text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// Dimensions returns the vector dimensions.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
