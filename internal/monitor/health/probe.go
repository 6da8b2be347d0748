package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutMessage is recorded as the error of a probe that did not finish in time
const TimeoutMessage = "Timeout"

// ErrProbeTimeout may be returned by probes that enforce their own deadline
var ErrProbeTimeout = errors.New("probe timed out")

// Target describes a monitored integration
type Target struct {
	Provider string            `json:"provider" yaml:"provider"`
	Interval time.Duration     `json:"interval" yaml:"interval"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ProbeResult is the outcome of one health probe
type ProbeResult struct {
	Success      bool                   `json:"success"`
	ResponseTime time.Duration          `json:"response_time"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Probe checks a single target. Implementations must honour ctx cancellation;
// the scheduler treats a returned error as a failed check.
type Probe interface {
	Check(ctx context.Context, target Target) (ProbeResult, error)
}

// ProbeFunc adapts a function to the Probe interface
type ProbeFunc func(ctx context.Context, target Target) (ProbeResult, error)

func (f ProbeFunc) Check(ctx context.Context, target Target) (ProbeResult, error) {
	return f(ctx, target)
}

// runProbe invokes p bounded by timeout. Probe errors, panics and timeouts
// all come back as a failed ProbeResult.
func runProbe(ctx context.Context, p Probe, target Target, timeout time.Duration) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan ProbeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ProbeResult{Error: fmt.Sprintf("probe panic: %v", r)}
			}
		}()

		res, err := p.Check(ctx, target)
		if err != nil {
			res.Success = false
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrProbeTimeout):
				res.Error = TimeoutMessage
			case res.Error == "":
				res.Error = err.Error()
			}
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.ResponseTime == 0 {
			res.ResponseTime = time.Since(start)
		}
		if !res.Success && res.Error == "" {
			res.Error = "probe reported failure"
		}
		return res
	case <-ctx.Done():
		return ProbeResult{
			Success:      false,
			ResponseTime: time.Since(start),
			Error:        TimeoutMessage,
		}
	}
}
