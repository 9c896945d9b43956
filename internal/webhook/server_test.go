package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/monitoring"
	"github.com/sells-group/callscore/internal/pipeline"
)

type fakeAcceptor struct {
	amo    map[string]string
	bitrix map[string]string
	ack    pipeline.Ack
	err    error
}

func (f *fakeAcceptor) AcceptAmo(_ context.Context, form map[string]string) (pipeline.Ack, error) {
	f.amo = form
	return f.ack, f.err
}

func (f *fakeAcceptor) AcceptBitrix(_ context.Context, fields map[string]string) (pipeline.Ack, error) {
	f.bitrix = fields
	return f.ack, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) pipeline.Ack {
	t.Helper()
	var ack pipeline.Ack
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	return ack
}

func TestAmoWebhook(t *testing.T) {
	acc := &fakeAcceptor{ack: pipeline.Ack{Status: pipeline.AckSuccess, Message: "queued"}}
	h := NewRouter(acc, fakePinger{}, Options{AllowedOrigins: []string{"*"}})

	form := url.Values{
		"account[subdomain]":          {"acme"},
		"contacts[note][0][note][id]": {"42"},
	}
	for _, path := range []string{"/get_call", "/get_call/"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, pipeline.AckSuccess, decodeAck(t, rec).Status)
		assert.Equal(t, "acme", acc.amo["account[subdomain]"])
		assert.Equal(t, "42", acc.amo["contacts[note][0][note][id]"])
	}
}

func TestAmoWebhook_IgnoredAndFailed(t *testing.T) {
	acc := &fakeAcceptor{ack: pipeline.Ack{Status: pipeline.AckIgnored, Message: "not a call"}}
	h := NewRouter(acc, fakePinger{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/get_call", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.AckIgnored, decodeAck(t, rec).Status)

	acc.err = errors.New("db down")
	req = httptest.NewRequest(http.MethodPost, "/get_call", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, pipeline.AckError, decodeAck(t, rec).Status)
}

func TestBitrixWebhook_JSONAndForm(t *testing.T) {
	acc := &fakeAcceptor{ack: pipeline.Ack{Status: pipeline.AckSuccess}}
	h := NewRouter(acc, fakePinger{}, Options{})

	body := `{"event":"ONVOXIMPLANTCALLEND","data":{"CALL_ID":"ext.1","CALL_DURATION":95},"auth":{"domain":"acme.bitrix24.ru"},"tags":["a","b"]}`
	req := httptest.NewRequest(http.MethodPost, "/get_call_b24", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ext.1", acc.bitrix["data[CALL_ID]"])
	assert.Equal(t, "95", acc.bitrix["data[CALL_DURATION]"])
	assert.Equal(t, "acme.bitrix24.ru", acc.bitrix["auth[domain]"])
	assert.Equal(t, "b", acc.bitrix["tags[1]"])

	form := url.Values{"data[CALL_ID]": {"ext.2"}, "auth[domain]": {"acme.bitrix24.ru"}}
	req = httptest.NewRequest(http.MethodPost, "/get_call_b24/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ext.2", acc.bitrix["data[CALL_ID]"])
}

func TestBitrixWebhook_BadJSON(t *testing.T) {
	acc := &fakeAcceptor{}
	h := NewRouter(acc, fakePinger{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/get_call_b24", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored","message":"unreadable body"}`, rec.Body.String())
	assert.Nil(t, acc.bitrix)
}

func TestAmoWebhook_BrokenMultipart(t *testing.T) {
	acc := &fakeAcceptor{}
	h := NewRouter(acc, fakePinger{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/get_call", strings.NewReader("--xyz\r\nnot a part"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored","message":"unreadable body"}`, rec.Body.String())
	assert.Nil(t, acc.amo)
}

func TestHealth(t *testing.T) {
	h := NewRouter(&fakeAcceptor{}, fakePinger{}, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h = NewRouter(&fakeAcceptor{}, fakePinger{err: errors.New("down")}, Options{})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.CallReceived("amocrm", "queued")

	h := NewRouter(&fakeAcceptor{}, fakePinger{}, Options{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "callscore_webhook_calls_total")

	h = NewRouter(&fakeAcceptor{}, fakePinger{}, Options{})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewRouter(&fakeAcceptor{}, fakePinger{}, Options{AllowedOrigins: []string{"https://crm.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/get_call", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://crm.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
