package direct

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/types"
)

// ErrDisabled is returned when no document processor is configured.
var ErrDisabled = errors.New("direct: document processor not configured")

// Client talks to the external document processor used for attachments the
// worker network cannot handle (PDFs). The processor streams newline-
// delimited JSON chunks.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
	logger   zerolog.Logger
}

// New builds a client from config. An empty endpoint yields a disabled
// client; callers check Enabled before routing tasks here.
func New(cfg config.DirectConfig) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:   log.WithComponent("direct"),
	}
}

// Enabled reports whether a processor endpoint is configured.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

type processRequest struct {
	Model  string        `json:"model,omitempty"`
	Prompt string        `json:"prompt"`
	Files  []filePayload `json:"files"`
	Stream bool          `json:"stream"`
}

type filePayload struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"` // base64 via encoding/json
}

type processChunk struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
	Err  string `json:"error,omitempty"`
}

// Process sends the prompt and attachments to the processor and streams the
// response. onChunk is invoked for every text chunk in order; the full
// concatenated text is returned at the end. onChunk may be nil.
func (c *Client) Process(ctx context.Context, prompt string, files []types.FileAttachment, onChunk func(string)) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	payload := processRequest{Model: c.model, Prompt: prompt, Stream: true}
	for _, f := range files {
		payload.Files = append(payload.Files, filePayload{
			Name:      f.Name,
			MediaType: f.MediaType,
			Data:      f.Data,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("document processor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("document processor returned %d", resp.StatusCode)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk processChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return out.String(), fmt.Errorf("malformed processor chunk: %w", err)
		}
		if chunk.Err != "" {
			return out.String(), fmt.Errorf("document processor: %s", chunk.Err)
		}
		if chunk.Text != "" {
			out.WriteString(chunk.Text)
			if onChunk != nil {
				onChunk(chunk.Text)
			}
		}
		if chunk.Done {
			return out.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}
