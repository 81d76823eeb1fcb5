package tokenizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tagsift/tagsift/pkg/domain"
)

// Client talks to the external tokenizer service. The service receives raw
// entry content and returns the extracted token set as JSON.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates a tokenizer client for the given endpoint
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Tokenize submits raw content and returns the token set. Content the
// tokenizer cannot handle comes back as an empty set, not an error, so a
// malformed entry never wedges the ingestion pipeline.
func (c *Client) Tokenize(ctx context.Context, content string) (domain.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("create tokenize request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokenizer not accessible: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// tokenizer recognized the request but could not extract anything
		return domain.TokenSet{}, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("tokenizer returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer response: %w", err)
	}

	var tokens []domain.Token
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse tokenizer response: %w", err)
	}

	set := make(domain.TokenSet, len(tokens))
	for _, tok := range tokens {
		if tok.Text == "" || tok.Frequency <= 0 {
			continue
		}
		set[tok.Text] += tok.Frequency
	}
	return set, nil
}
