package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	return opts
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions())
	body, err := client.Do(context.Background(), http.MethodGet, "/api/v3/time", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 3, attempts.Load())
}

func TestClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions())
	for i := 0; i < 6; i++ {
		_, _ = client.Do(context.Background(), http.MethodGet, "/", nil)
	}

	before := attempts.Load()
	_, err := client.Do(context.Background(), http.MethodGet, "/", nil)
	assert.Error(t, err)
	assert.Equal(t, before, attempts.Load(), "open breaker must not reach the server")
}

func TestClient_DoSortsParamsAndSigns(t *testing.T) {
	var gotQuery, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, signerFunc(func(req *http.Request) error {
		req.Header.Set("X-MBX-APIKEY", "k")
		return nil
	}))
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")

	_, err := client.Do(context.Background(), http.MethodPost, "/api/v3/order", params)
	require.NoError(t, err)
	assert.Equal(t, "side=BUY&symbol=BTCUSDT", gotQuery)
	assert.Equal(t, "k", gotKey)
}

func TestClient_PostBodySurvivesRetry(t *testing.T) {
	var attempts atomic.Int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions())
	_, err := client.Post(context.Background(), "", map[string]string{"event": "position_closed"})
	require.NoError(t, err)
	assert.Equal(t, `{"event":"position_closed"}`, lastBody.Load())
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Do(context.Background(), http.MethodGet, "/api/v3/order", nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "-2011")
	assert.EqualValues(t, 1, attempts.Load())
}

type signerFunc func(req *http.Request) error

func (f signerFunc) SignRequest(req *http.Request) error { return f(req) }
