package speech2text

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/resilience"
)

func TestSubmit_Pending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/recognitions/task/link", r.URL.Path)
		assert.Equal(t, "s2t-key", r.URL.Query().Get("api-key"))

		var body taskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, taskRequest{Lang: "ru", URL: "https://cdn/rec.mp3", Speakers: 2, MultiChannel: 1}, body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"task-1","status":{"code":100,"description":"Задание создано"}}`)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	sub, err := c.Submit(context.Background(), "s2t-key", "https://cdn/rec.mp3", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "task-1", sub.TaskID)
	assert.Equal(t, StatePending, sub.State)
	assert.Equal(t, "Задание создано", sub.Description)
	assert.Empty(t, sub.Text)
}

func TestSubmit_ImmediateResult(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/recognitions/task/link":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":77,"status":{"code":200,"description":"Распознано"},"result":{"txt":"%s/results/77.txt"}}`, ts.URL)
		case "/results/77.txt":
			assert.Equal(t, "s2t-key", r.URL.Query().Get("api-key"))
			fmt.Fprint(w, "Менеджер: Добрый день")
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	sub, err := c.Submit(context.Background(), "s2t-key", "https://cdn/rec.mp3", "ru", 2)
	require.NoError(t, err)
	assert.Equal(t, "77", sub.TaskID)
	assert.Equal(t, StateDone, sub.State)
	assert.Equal(t, "Менеджер: Добрый день", sub.Text)
	assert.Equal(t, ts.URL+"/results/77.txt", sub.ResultLink)
}

func TestSubmit_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":"balance is empty"}`)
	}))
	defer ts.Close()

	_, err := NewClient(WithBaseURL(ts.URL)).Submit(context.Background(), "k", "https://cdn/rec.mp3", "ru", 2)
	require.Error(t, err)
	assert.Equal(t, http.StatusPaymentRequired, resilience.StatusCode(err))
	assert.Contains(t, err.Error(), "balance is empty")
	assert.False(t, resilience.IsTransient(err))
}

func TestPoll_States(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		state State
	}{
		{"queued", `{"id":"t","status":{"code":110,"description":"В очереди на распознание"}}`, StatePending},
		{"failed", `{"id":"t","status":{"code":500,"description":"Ошибка распознавания"}}`, StateFailed},
		{"done without link", `{"id":"t","status":{"code":200,"description":"Распознано"}}`, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/recognitions/t", r.URL.Path)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			sub, err := NewClient(WithBaseURL(ts.URL)).Poll(context.Background(), "k", "t")
			require.NoError(t, err)
			assert.Equal(t, tt.state, sub.State)
			assert.Equal(t, "t", sub.TaskID)
		})
	}
}

func TestPoll_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(WithBaseURL(ts.URL)).Poll(context.Background(), "k", "t")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestPoll_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(WithBaseURL(url)).Poll(context.Background(), "k", "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "speech2text: poll")
}
