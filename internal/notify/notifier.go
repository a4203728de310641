package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Result is what the registration response reports about delivery.
type Result struct {
	Success bool
	Status  string
}

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Notifier wraps a Provider with a delivery deadline and bounded retries.
// Failures are reported in the Result, never returned as errors.
type Notifier struct {
	provider    Provider
	logger      zerolog.Logger
	timeout     time.Duration
	maxAttempts uint
}

func NewNotifier(provider Provider, logger zerolog.Logger, options Options) *Notifier {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := options.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Notifier{
		provider:    provider,
		logger:      logger.With().Str("provider", provider.Name()).Logger(),
		timeout:     timeout,
		maxAttempts: uint(attempts),
	}
}

func (n *Notifier) Send(ctx context.Context, recipient, message string) Result {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	attempt := 0
	status, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		status, err := n.provider.Send(ctx, recipient, message)
		if err != nil {
			var rejected *rejectedError
			if errors.As(err, &rejected) && rejected.permanent() {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return status, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(n.maxAttempts),
		backoff.WithMaxElapsedTime(n.timeout),
	)
	if err != nil {
		n.logger.Warn().Err(err).Int("attempts", attempt).Str("recipient", maskPhone(recipient)).Msg("notification failed")
		return Result{Success: false, Status: fmt.Sprintf("notification failed: %v", err)}
	}
	n.logger.Debug().Int("attempts", attempt).Str("recipient", maskPhone(recipient)).Msg("notification sent")
	return Result{Success: true, Status: status}
}
