package recovery

import (
	"context"
	"log/slog"
	"time"
)

// Action is a recovery step proposed for a failed item.
type Action int

const (
	ActionRetry Action = iota
	ActionSkip
	ActionRetryAll
	ActionSkipAll
	ActionFreeSpace
	ActionRequestElevation
	ActionUnlockOrSkip
	ActionUseCopy
	ActionRetryOrSkip
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionRetryAll:
		return "retry all"
	case ActionSkipAll:
		return "skip all"
	case ActionFreeSpace:
		return "free space"
	case ActionRequestElevation:
		return "request elevation"
	case ActionUnlockOrSkip:
		return "unlock or skip"
	case ActionUseCopy:
		return "use copy"
	case ActionRetryOrSkip:
		return "retry or skip"
	}
	return "unknown"
}

// Remedy is an automatic fix attempted before a retry.
type Remedy func(ctx context.Context, err *Error, source string) error

// Policy configures retry behaviour.
type Policy struct {
	MaxRetries  int
	RetryDelay  time.Duration
	AutoRecover bool
}

// DefaultPolicy retries transient failures three times, one second apart.
var DefaultPolicy = Policy{
	MaxRetries:  3,
	RetryDelay:  time.Second,
	AutoRecover: true,
}

// ErrorRecovery applies a retry Policy to classified errors.
type ErrorRecovery struct {
	policy   Policy
	remedies map[Kind]Remedy
	logger   *slog.Logger
}

// Option configures an ErrorRecovery.
type Option func(*ErrorRecovery)

// WithRemedy installs an automatic remedy for a kind, replacing any default.
func WithRemedy(kind Kind, r Remedy) Option {
	return func(er *ErrorRecovery) {
		er.remedies[kind] = r
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) Option {
	return func(er *ErrorRecovery) {
		er.logger = l
	}
}

// NewErrorRecovery creates an ErrorRecovery. The file-locked remedy waits for
// advisory locks on the source to clear.
func NewErrorRecovery(policy Policy, opts ...Option) *ErrorRecovery {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	er := &ErrorRecovery{
		policy: policy,
		remedies: map[Kind]Remedy{
			KindFileLocked: waitForUnlock(policy.RetryDelay),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(er)
	}
	return er
}

// Policy returns the configured retry policy.
func (er *ErrorRecovery) Policy() Policy {
	return er.policy
}

// HandleError returns ActionRetry for retryable failures, running the kind's
// remedy first when auto recovery is enabled. Non-retryable failures are
// returned unchanged.
func (er *ErrorRecovery) HandleError(ctx context.Context, err *Error, source string) (Action, error) {
	if !err.CanRetry() {
		return 0, err
	}
	if er.policy.AutoRecover {
		if remedy, ok := er.remedies[err.Kind]; ok {
			if rerr := remedy(ctx, err, source); rerr != nil {
				return 0, Classify("recover", source, rerr)
			}
		}
	}
	return ActionRetry, nil
}

// Run calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The last classified error is returned.
func (er *ErrorRecovery) Run(ctx context.Context, op, source string, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		ce := Classify(op, source, err)
		if attempt >= er.policy.MaxRetries {
			return ce
		}
		if _, herr := er.HandleError(ctx, ce, source); herr != nil {
			return herr
		}

		er.logger.Warn("retrying item", "op", op, "path", source, "kind", ce.Kind, "attempt", attempt+1, "error", ce.Err)

		timer := time.NewTimer(er.policy.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return New(KindCancelled, op, source, ctx.Err())
		case <-timer.C:
		}
	}
}
