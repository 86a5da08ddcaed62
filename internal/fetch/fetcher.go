package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/domain"
	"github.com/user/ingest-service/internal/monitoring"
)

const jitterFactor = 0.2 // +/- 20%

// Fetcher retrieves raw image bytes with bounded retry and backoff. Transient
// failures (timeouts, 5xx, transport resets) are retried up to maxAttempts
// with jittered exponential backoff; 4xx responses and malformed URLs are
// permanent and fail immediately. No state is kept across attempts.
type Fetcher struct {
	client         *http.Client
	maxAttempts    int
	attemptTimeout time.Duration
	backoffBase    time.Duration
	metrics        *monitoring.Metrics
	logger         *zap.Logger
}

func NewFetcher(maxAttempts int, attemptTimeout, backoffBase time.Duration, m *monitoring.Metrics, l *zap.Logger) *Fetcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Fetcher{
		client:         &http.Client{},
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		backoffBase:    backoffBase,
		metrics:        m,
		logger:         l,
	}
}

// Fetch retrieves url, retrying transient failures. On exhaustion the returned
// FetchError carries the last attempt's cause.
func (f *Fetcher) Fetch(ctx context.Context, url string) (domain.Payload, error) {
	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		payload, err := f.attempt(ctx, url)
		if err == nil {
			return payload, nil
		}

		var fe *domain.FetchError
		if errors.As(err, &fe) && fe.Kind == domain.FetchClientRejected {
			return domain.Payload{}, err
		}
		lastErr = err

		if attempt < f.maxAttempts {
			f.metrics.IncFetchRetry()
			delay := f.backoff(attempt)
			f.logger.Warn("transient fetch failure, backing off",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.Payload{}, &domain.FetchError{Kind: domain.FetchExhausted, URL: url, Cause: ctx.Err()}
			}
		}
	}

	return domain.Payload{}, &domain.FetchError{Kind: domain.FetchExhausted, URL: url, Cause: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, url string) (domain.Payload, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Payload{}, &domain.FetchError{Kind: domain.FetchClientRejected, URL: url, Cause: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport-level failure: connection reset, timeout, DNS.
		return domain.Payload{}, &domain.FetchError{Kind: domain.FetchTransient, URL: url, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.Payload{}, &domain.FetchError{Kind: domain.FetchTransient, URL: url, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return domain.Payload{}, &domain.FetchError{Kind: domain.FetchClientRejected, URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Payload{}, &domain.FetchError{Kind: domain.FetchTransient, URL: url, Cause: fmt.Errorf("read body: %w", err)}
	}

	return domain.Payload{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// backoff returns base*2^(attempt-1) with +/- jitterFactor applied.
func (f *Fetcher) backoff(attempt int) time.Duration {
	d := float64(f.backoffBase) * float64(int64(1)<<uint(attempt-1))
	d *= 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(d)
}
