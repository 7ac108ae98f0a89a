package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval       = time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

// Result is the outcome of probing one endpoint.
type Result struct {
	Endpoint   string        `json:"endpoint"`
	Healthy    bool          `json:"healthy"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
	StatusCode int           `json:"statusCode,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
}

// Reason renders an unhealthy result for attempt records.
func (r Result) Reason() string {
	if r.Healthy {
		return "healthy"
	}
	if r.Cancelled {
		return fmt.Sprintf("health check of %s cancelled after %d attempt(s)", r.Endpoint, r.Attempts)
	}
	return fmt.Sprintf("candidate unhealthy: %s after %d attempt(s): %s", r.Endpoint, r.Attempts, r.LastError)
}

// Checker issues HTTP GETs against health endpoints. Any 2xx is healthy.
type Checker struct {
	Client *http.Client
	// Interval is the pause between failed attempts.
	Interval time.Duration
	// AttemptTimeout caps a single request; the overall timeout still wins.
	AttemptTimeout time.Duration
	Logger         logrus.FieldLogger
}

// NewChecker returns a Checker that retries every interval. A nil client
// means http.DefaultClient.
func NewChecker(client *http.Client, interval time.Duration, logger logrus.FieldLogger) *Checker {
	return &Checker{Client: client, Interval: interval, Logger: logger}
}

// Probe polls endpoint until it answers 2xx, retries attempts are used up,
// timeout elapses or ctx is cancelled, whichever comes first.
func (c *Checker) Probe(ctx context.Context, endpoint string, timeout time.Duration, retries int) Result {
	start := time.Now()
	res := Result{Endpoint: endpoint}
	if retries < 1 {
		retries = 1
	}
	probeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := c.logger().WithField("endpoint", endpoint)

	for i := 0; i < retries; i++ {
		if probeCtx.Err() != nil {
			break
		}
		res.Attempts++
		status, err := c.attempt(probeCtx, endpoint)
		res.StatusCode = status
		if err == nil {
			res.Healthy = true
			res.LastError = ""
			res.Elapsed = time.Since(start)
			log.WithField("attempts", res.Attempts).Debug("endpoint healthy")
			return res
		}
		res.LastError = err.Error()
		log.WithError(err).WithField("attempt", res.Attempts).Debug("health attempt failed")

		if i == retries-1 {
			break
		}
		if !sleep(probeCtx, c.interval()) {
			break
		}
	}

	res.Elapsed = time.Since(start)
	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
		if res.LastError == "" {
			res.LastError = ctx.Err().Error()
		}
	case probeCtx.Err() != nil && res.LastError == "":
		res.LastError = fmt.Sprintf("no response within %s", timeout)
	}
	return res
}

// ProbeAll probes each endpoint in order and returns on the first unhealthy
// result. The returned slice holds every result gathered.
func (c *Checker) ProbeAll(ctx context.Context, endpoints []string, timeout time.Duration, retries int) (Result, []Result) {
	results := make([]Result, 0, len(endpoints))
	for _, ep := range endpoints {
		r := c.Probe(ctx, ep, timeout, retries)
		results = append(results, r)
		if !r.Healthy {
			return r, results
		}
	}
	if len(results) == 0 {
		return Result{Healthy: true}, results
	}
	return results[len(results)-1], results
}

func (c *Checker) attempt(ctx context.Context, endpoint string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return 0, fmt.Errorf("transport timeout: %w", err)
		}
		return 0, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (c *Checker) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Checker) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return DefaultInterval
}

func (c *Checker) attemptTimeout() time.Duration {
	if c.AttemptTimeout > 0 {
		return c.AttemptTimeout
	}
	return DefaultAttemptTimeout
}

func (c *Checker) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
