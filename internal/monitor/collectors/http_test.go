package collectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmackie/control-panel-sub003/internal/monitor"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
)

func TestHTTPProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	check := monitor.HTTPCheck{Name: "api", URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	res, err := NewHTTPProbe(check).Check(context.Background(), check.Target())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Metadata["status_code"])
	assert.EqualValues(t, 2, res.Metadata["content_length"])
	assert.Greater(t, res.ResponseTime, time.Duration(0))
}

func TestHTTPProbeUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	check := monitor.HTTPCheck{Name: "api", URL: srv.URL, ExpectedStatus: http.StatusOK}
	res, err := NewHTTPProbe(check).Check(context.Background(), check.Target())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "got 503")
}

func TestHTTPProbeTLSMetadata(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	check := monitor.HTTPCheck{Name: "secure", URL: srv.URL, InsecureSkipVerify: true}
	res, err := NewHTTPProbe(check).Check(context.Background(), check.Target())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Metadata, "ssl_expiry")
}

func TestHTTPProbeTimeoutUnderScheduler(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	check := monitor.HTTPCheck{Name: "slow", URL: srv.URL, Interval: "1h", Timeout: "50ms"}
	s := health.NewScheduler(health.SchedulerOptions{})
	defer s.Stop()
	require.NoError(t, s.Register(check.Target(), NewHTTPProbe(check)))

	st, err := s.CheckNow(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, health.TimeoutMessage, st.LastError)
	assert.GreaterOrEqual(t, st.ErrorCount, int64(1))
}
