package httpcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func TestBreakers_StartsClosed(t *testing.T) {
	b := NewBreakers(DefaultBreakerConfig(), clock.NewMock())
	assert.NoError(t, b.Allow("api.example.com"))
	assert.Equal(t, CircuitClosed, b.State("api.example.com"))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}, clock.NewMock())

	b.RecordFailure("h")
	b.RecordFailure("h")
	assert.Equal(t, CircuitClosed, b.State("h"))

	assert.Equal(t, CircuitOpen, b.RecordFailure("h"))

	err := b.Allow("h")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.IsRetryable())

	// other hosts are unaffected
	assert.NoError(t, b.Allow("other"))
}

func TestBreakers_SuccessResetsFailures(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}, clock.NewMock())

	b.RecordFailure("h")
	b.RecordFailure("h")
	b.RecordSuccess("h")
	b.RecordFailure("h")
	b.RecordFailure("h")
	assert.Equal(t, CircuitClosed, b.State("h"))

	b.RecordFailure("h")
	assert.Equal(t, CircuitOpen, b.State("h"))
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	mock := clock.NewMock()
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}, mock)

	b.RecordFailure("h")
	b.RecordFailure("h")
	require.Error(t, b.Allow("h"))

	mock.Add(time.Minute)
	require.NoError(t, b.Allow("h"), "first probe after cooldown")
	assert.True(t, schema.IsCode(b.Allow("h"), schema.ErrCodeCircuitOpen), "second probe rejected")

	// failed probe reopens
	assert.Equal(t, CircuitOpen, b.RecordFailure("h"))
	require.Error(t, b.Allow("h"))

	mock.Add(time.Minute)
	require.NoError(t, b.Allow("h"))
	b.RecordSuccess("h")
	assert.Equal(t, CircuitClosed, b.State("h"))
	assert.Zero(t, b.Stats("h").Failures)
}

func TestClient_BreakerTripsOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakers := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, clock.NewMock())
	c := New(Config{Breakers: breakers})

	for i := 0; i < 2; i++ {
		resp, err := c.Do(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.Status)
	}

	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), hits.Load())

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, c.Breakers().State(u.Host))
}
