package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestHeuristicBuckets(t *testing.T) {
	tests := []struct {
		name         string
		prompt       string
		subtaskCount int
		want         types.Difficulty
	}{
		{
			name:   "short factual question",
			prompt: "what is the capital of France?",
			want:   types.DifficultySimple,
		},
		{
			name:   "translation",
			prompt: "translate this sentence to Spanish please",
			want:   types.DifficultySimple,
		},
		{
			name:         "analysis with several parts",
			prompt:       "analyze and compare the two proposals, then summarize the key differences in a list",
			subtaskCount: 3,
			want:         types.DifficultyComplex,
		},
		{
			name:   "short code request",
			prompt: "implement a function that parses the log format and write a sql query for the database, then debug the error in this script",
			want:   types.DifficultyComplex,
		},
		{
			name:   "code block with math",
			prompt: "prove the algorithm terminates for n ≥ 1 and refactor:\n```\ndef broken():\n    return 1/0\n```\nexplain the exception in the function",
			want:   types.DifficultyAdvanced,
		},
		{
			name:         "many subtasks push upward",
			prompt:       "summarize and compare each chapter",
			subtaskCount: 6,
			want:         types.DifficultyComplex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := tt.subtaskCount
			if count == 0 {
				count = 1
			}
			assert.Equal(t, tt.want, Heuristic(tt.prompt, count))
		})
	}
}

func TestHeuristicLongPrompt(t *testing.T) {
	long := strings.Repeat("evaluate the tradeoffs carefully ", 80)
	assert.Equal(t, types.DifficultyComplex, Heuristic(long, 1))
}

func TestClassifyHonorsExplicitDifficulty(t *testing.T) {
	c := New(config.ClassifierConfig{TimeoutSeconds: 1, RatePerSecond: 10})
	got := c.Classify(context.Background(), "what is water?", 1, types.DifficultyAdvanced)
	assert.Equal(t, types.DifficultyAdvanced, got)
}

func TestClassifyUsesRemoteService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"difficulty":"advanced"}`))
	}))
	defer srv.Close()

	c := New(config.ClassifierConfig{Endpoint: srv.URL, TimeoutSeconds: 1, RatePerSecond: 10})
	got := c.Classify(context.Background(), "what is water?", 1, "")
	assert.Equal(t, types.DifficultyAdvanced, got)
}

func TestClassifyFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.ClassifierConfig{Endpoint: srv.URL, TimeoutSeconds: 1, RatePerSecond: 10})
	got := c.Classify(context.Background(), "what is water?", 1, "")
	assert.Equal(t, types.DifficultySimple, got)
}

func TestClassifyFallsBackOnUnknownAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"difficulty":"impossible"}`))
	}))
	defer srv.Close()

	c := New(config.ClassifierConfig{Endpoint: srv.URL, TimeoutSeconds: 1, RatePerSecond: 10})
	got := c.Classify(context.Background(), "what is water?", 1, "")
	assert.Equal(t, types.DifficultySimple, got)
}

func TestClassifyRateLimitSkipsRemote(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"difficulty":"advanced"}`))
	}))
	defer srv.Close()

	// Burst of 1 at a tiny refill rate: only the first call reaches the
	// service.
	c := New(config.ClassifierConfig{Endpoint: srv.URL, TimeoutSeconds: 1, RatePerSecond: 0.001})
	first := c.Classify(context.Background(), "what is water?", 1, "")
	second := c.Classify(context.Background(), "what is water?", 1, "")

	assert.Equal(t, types.DifficultyAdvanced, first)
	assert.Equal(t, types.DifficultySimple, second)
	assert.Equal(t, 1, calls)
}

func TestIsDirectFormat(t *testing.T) {
	assert.True(t, IsDirectFormat([]types.FileAttachment{{Name: "report.pdf"}}))
	assert.True(t, IsDirectFormat([]types.FileAttachment{{Name: "x", MediaType: "application/pdf"}}))
	assert.False(t, IsDirectFormat([]types.FileAttachment{{Name: "photo.png", MediaType: "image/png"}}))
	assert.False(t, IsDirectFormat(nil))
}
