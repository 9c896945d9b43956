package bitrix24

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var acct = Account{Domain: "acme", AdminID: "1", StatKey: "stat", CommentKey: "comment", LeadsKey: "leads"}

func newTestClient(ts *httptest.Server) Client {
	return NewClient(WithBaseURL(ts.URL), WithRateLimit(1000, 100))
}

func TestCallRecord(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/1/stat/voximplant.statistic.get", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"CALL_ID": "externalCall.abc"}, body["FILTER"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":[{"CALL_ID":"externalCall.abc","CALL_RECORD_URL":"https://b24/rec.mp3",
			"CALL_DURATION":"45","CALL_TYPE":"1","CRM_ENTITY_TYPE":"LEAD","CRM_ENTITY_ID":73,
			"PHONE_NUMBER":" +79990001122 ","PORTAL_USER_ID":"12"}],"total":1}`)
	}))
	defer ts.Close()

	rec, err := newTestClient(ts).CallRecord(context.Background(), acct, "externalCall.abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://b24/rec.mp3", rec.RecordURL)
	assert.Equal(t, 45, rec.Duration.Int())
	assert.True(t, Incoming(string(rec.CallType)))
	assert.Equal(t, "LEAD", rec.EntityType)
	assert.Equal(t, FlexString("73"), rec.EntityID)
	assert.Equal(t, "+79990001122", rec.PhoneNumber)
	assert.Equal(t, FlexString("12"), rec.PortalUserID)
}

func TestCallRecord_NotYetAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":[],"total":0}`)
	}))
	defer ts.Close()

	rec, err := newTestClient(ts).CallRecord(context.Background(), acct, "x")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLeadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/1/leads/crm.lead.get", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"ID":"73","STATUS_ID":" IN_PROCESS "}}`)
	}))
	defer ts.Close()

	status, err := newTestClient(ts).LeadStatus(context.Background(), acct, "73")
	require.NoError(t, err)
	assert.Equal(t, "IN_PROCESS", status)
}

func TestAddComment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/1/comment/crm.timeline.comment.add", r.URL.Path)
		var body struct {
			Fields map[string]string `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{
			"ENTITY_ID":   "73",
			"ENTITY_TYPE": "lead",
			"COMMENT":     "Рекомендации менеджеру",
			"AUTHOR_ID":   "1",
		}, body.Fields)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":991}`)
	}))
	defer ts.Close()

	err := newTestClient(ts).AddComment(context.Background(), acct, "LEAD", "73", "Рекомендации менеджеру")
	require.NoError(t, err)
}

func TestCall_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"INVALID_CREDENTIALS","error_description":"Invalid request credentials"}`)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).LeadStatus(context.Background(), acct, "73")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resilience.StatusCode(err))
	assert.Contains(t, err.Error(), "INVALID_CREDENTIALS")
	assert.False(t, resilience.IsTransient(err))
}

func TestCall_QueryLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).CallRecord(context.Background(), acct, "x")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestCall_MissingKey(t *testing.T) {
	c := NewClient(WithBaseURL("http://127.0.0.1:0"))
	err := c.AddComment(context.Background(), Account{Domain: "acme", AdminID: "1"}, "LEAD", "1", "x")
	assert.ErrorContains(t, err, "webhook key not configured")
}

func TestFlexString(t *testing.T) {
	var v struct {
		A FlexString `json:"a"`
		B FlexString `json:"b"`
		C FlexString `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"17","b":42,"c":null}`), &v))
	assert.Equal(t, 17, v.A.Int())
	assert.Equal(t, 42, v.B.Int())
	assert.Equal(t, FlexString(""), v.C)
	assert.Equal(t, 0, FlexString("n/a").Int())
}
