package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// HTTPOptions tunes the shared poster.
type HTTPOptions struct {
	Timeout          time.Duration
	Rate             rate.Limit
	Burst            int
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultHTTPOptions keeps well inside Discord's webhook limit of 5 requests
// per 2 seconds.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:          10 * time.Second,
		Rate:             rate.Every(500 * time.Millisecond),
		Burst:            2,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// poster POSTs JSON bodies through a rate limiter and a circuit breaker.
type poster struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[interface{}]
}

func newPoster(name string, opts HTTPOptions, logger *slog.Logger) *poster {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier circuit changed", "notifier", name, "from", from.String(), "to", to.String())
		},
	}
	return &poster{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(opts.Rate, opts.Burst),
		breaker: gobreaker.NewCircuitBreaker[interface{}](settings),
	}
}

func (p *poster) post(ctx context.Context, url string, headers map[string]string, body []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "piguard")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	return err
}

func (p *poster) state() string {
	return p.breaker.State().String()
}
