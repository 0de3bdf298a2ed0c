package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TEIConfig configures a Text-Embeddings-Inference backend.
type TEIConfig struct {
	BaseURL string
	Model   string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// RequestsPerSecond throttles calls. 0 disables throttling.
	RequestsPerSecond float64
	Timeout           time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Validate checks the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// TEIModel calls a TEI server's /embed endpoint.
type TEIModel struct {
	cfg       TEIConfig
	client    *http.Client
	limiter   *rate.Limiter
	dimension int
}

type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// NewTEIModel connects to the server and detects the model dimension.
func NewTEIModel(ctx context.Context, cfg TEIConfig) (*TEIModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	m := &TEIModel{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
	dim, err := detectDimension(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("probing TEI model: %w", err)
	}
	m.dimension = dim
	return m, nil
}

// EmbedDocuments embeds texts in one request.
func (m *TEIModel) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	return m.embed(ctx, texts)
}

// EmbedQuery embeds a single text.
func (m *TEIModel) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vecs[0], nil
}

func (m *TEIModel) embed(ctx context.Context, inputs interface{}) ([][]float32, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimSuffix(m.cfg.BaseURL, "/") + "/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return vectors, nil
}

// Dimension returns the detected dimension.
func (m *TEIModel) Dimension() int {
	return m.dimension
}

// Close is a no-op; TEI is stateless HTTP.
func (m *TEIModel) Close() error {
	return nil
}
