package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/resilience"
)

func TestAnthropic_Complete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		assert.Equal(t, "tenant-key", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultAnthropicModel, body["model"])
		assert.EqualValues(t, defaultAnthropicMaxTokens, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_test_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "Анализ звонка. "},
				{"type": "text", "text": "Саммари: клиент думает"},
			},
			"model":       defaultAnthropicModel,
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":  100,
				"output_tokens": 40,
			},
		})
	}))
	defer ts.Close()

	c := NewAnthropic(WithBaseURL(ts.URL))
	out, err := c.Complete(context.Background(), "tenant-key", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Анализ звонка. Саммари: клиент думает", out.Text)
	assert.Equal(t, 140, out.TokensUsed)
}

func TestAnthropic_BadRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"prompt too long"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewAnthropic(WithBaseURL(ts.URL))
	_, err := c.Complete(context.Background(), "k", "prompt")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resilience.StatusCode(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestAnthropic_MissingKey(t *testing.T) {
	_, err := NewAnthropic().Complete(context.Background(), "", "prompt")
	assert.ErrorContains(t, err, "missing api key")
}
