package collectors

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/monitor"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
)

const maxBodyBytes = 1 << 20

// HTTPProbe checks an HTTP endpoint and reports success when the response
// status matches the expected code
type HTTPProbe struct {
	check  monitor.HTTPCheck
	client *http.Client
}

// NewHTTPProbe creates a probe for a single configured check. The request
// deadline comes from the scheduler's context.
func NewHTTPProbe(check monitor.HTTPCheck) *HTTPProbe {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: check.InsecureSkipVerify,
			},
		},
	}
	return &HTTPProbe{check: check, client: client}
}

// Check performs a single HTTP health check
func (h *HTTPProbe) Check(ctx context.Context, target health.Target) (health.ProbeResult, error) {
	start := time.Now()
	result := health.ProbeResult{
		Metadata: map[string]interface{}{"url": h.check.URL},
	}

	method := h.check.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, h.check.URL, nil)
	if err != nil {
		return result, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "healthwatch/1.0")
	for k, v := range h.check.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return result, health.ErrProbeTimeout
		}
		return result, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return result, fmt.Errorf("failed to read response body: %w", err)
	}

	result.Metadata["status_code"] = resp.StatusCode
	result.Metadata["content_length"] = n

	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		cert := resp.TLS.PeerCertificates[0]
		result.Metadata["ssl_expiry"] = cert.NotAfter
		result.Metadata["ssl_days_remaining"] = int(time.Until(cert.NotAfter).Hours() / 24)
	}

	expected := h.check.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		result.Error = fmt.Sprintf("unexpected status code: got %d, expected %d", resp.StatusCode, expected)
		return result, nil
	}

	result.Success = true
	return result, nil
}
