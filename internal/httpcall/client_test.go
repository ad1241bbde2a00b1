package httpcall

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_JSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in["name"]})
	}))
	defer srv.Close()

	resp, err := New(Config{}).Do(context.Background(), Request{
		Method:  "post",
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "abc"},
		Body:    map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, map[string]any{"echo": "ada"}, resp.Body)
	assert.Equal(t, 201, resp.Output()["status"])
}

func TestDo_PlainTextAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(strings.Repeat(string(b), 10)))
	}))
	defer srv.Close()

	resp, err := New(Config{MaxResponseBody: 5}).Do(context.Background(), Request{Method: "PUT", URL: srv.URL, Body: "ab"})
	require.NoError(t, err)
	assert.Equal(t, "ababa", resp.Body)
}

func TestDo_InvalidURL(t *testing.T) {
	_, err := New(Config{}).Do(context.Background(), Request{URL: "ftp://example.com"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestDo_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{Timeout: 50 * time.Millisecond}).Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestCheckStatus(t *testing.T) {
	assert.NoError(t, CheckStatus(204, nil, nil))
	assert.NoError(t, CheckStatus(404, []int{200, 404}, nil))

	for _, status := range []int{404, 408, 429, 503} {
		err := CheckStatus(status, nil, nil)
		require.Error(t, err, status)
		assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err), status)
	}

	err := CheckStatus(200, []int{201}, nil)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))

	err = CheckStatus(400, nil, []int{400, 401})
	assert.Equal(t, schema.ErrCodeNonRetryable, schema.CodeOf(err))
	err = CheckStatus(429, nil, []int{400, 401})
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}
