package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/types"
)

// Classifier assigns a difficulty to each prompt. The external service is
// the primary; the heuristic takes over when the service is unconfigured,
// rate-limited, slow, or returns garbage. Classification never fails: the
// worst case is a heuristic answer.
type Classifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// New builds a classifier from config. An empty endpoint means heuristic
// only.
func New(cfg config.ClassifierConfig) *Classifier {
	return &Classifier{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout()},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:   log.WithComponent("classifier"),
	}
}

type classifyRequest struct {
	Prompt string `json:"prompt"`
}

type classifyResponse struct {
	Difficulty string `json:"difficulty"`
}

// Classify returns the difficulty for a prompt. An explicit difficulty from
// the caller wins outright; otherwise the external service is consulted
// under the rate limit, falling back to the heuristic.
func (c *Classifier) Classify(ctx context.Context, prompt string, subtaskCount int, explicit types.Difficulty) types.Difficulty {
	if explicit != "" {
		return explicit
	}

	if c.endpoint == "" || !c.limiter.Allow() {
		return c.fallback(prompt, subtaskCount, "rate limited or unconfigured")
	}

	d, err := c.classifyRemote(ctx, prompt)
	if err != nil {
		return c.fallback(prompt, subtaskCount, err.Error())
	}
	return d
}

func (c *Classifier) classifyRemote(ctx context.Context, prompt string) (types.Difficulty, error) {
	body, err := json.Marshal(classifyRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	switch types.Difficulty(strings.ToLower(out.Difficulty)) {
	case types.DifficultySimple:
		return types.DifficultySimple, nil
	case types.DifficultyComplex:
		return types.DifficultyComplex, nil
	case types.DifficultyAdvanced:
		return types.DifficultyAdvanced, nil
	}
	return "", fmt.Errorf("classifier returned unknown difficulty %q", out.Difficulty)
}

func (c *Classifier) fallback(prompt string, subtaskCount int, reason string) types.Difficulty {
	metrics.ClassifierFallbacks.Inc()
	d := Heuristic(prompt, subtaskCount)
	c.logger.Debug().Str("reason", reason).Str("difficulty", string(d)).Msg("heuristic classification")
	return d
}

// IsDirectFormat reports whether a task's attachments route it through the
// direct document processor instead of the worker network.
func IsDirectFormat(files []types.FileAttachment) bool {
	for _, f := range files {
		if f.MediaType == "application/pdf" || strings.HasSuffix(strings.ToLower(f.Name), ".pdf") {
			return true
		}
	}
	return false
}
