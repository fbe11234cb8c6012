package ai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the exponential backoff used for one-shot background
// generation calls. Conversation turns never retry.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// GenerateWithRetry calls gen up to cfg.Attempts times, doubling the delay
// between attempts. Rate limit errors end the loop at once so the caller can
// report the credential.
func GenerateWithRetry(ctx context.Context, gen Generator, secret string, req Request, cfg RetryConfig) (Response, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = 0

	var resp Response
	err := backoff.Retry(func() error {
		r, err := gen.Generate(ctx, secret, req)
		if err != nil {
			if IsRateLimited(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.Attempts-1)), ctx))
	return resp, err
}
