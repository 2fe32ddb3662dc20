package publish

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// PollConfig bounds the wait for inclusion.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxWait is the total time to wait before failing with a TimeoutError.
	MaxWait time.Duration
}

// DefaultPollConfig returns the default polling schedule.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxWait:         2 * time.Minute,
	}
}

var errPending = errors.New("submission is pending")

// pollInclusion waits for token to be included. Transport errors are
// retried; every other registry answer ends the wait.
func (p *Publisher) pollInclusion(ctx context.Context, token string) (*protocol.Submission, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.poll.InitialInterval
	b.MaxInterval = p.poll.MaxInterval
	b.MaxElapsedTime = p.poll.MaxWait

	var sub *protocol.Submission
	attempts := 0
	op := func() error {
		attempts++
		s, err := p.registry.Submission(ctx, token)
		switch {
		case errors.Is(err, protocol.ErrTransport):
			p.logger.Debug("polling submission failed; retrying", zap.String("token", token), zap.Error(err))
			return err
		case err != nil:
			return backoff.Permanent(err)
		}
		switch s.State {
		case protocol.SubmissionIncluded:
			sub = s
			return nil
		case protocol.SubmissionRejected:
			return backoff.Permanent(&protocol.RejectedError{Reason: s.Reason})
		default:
			return errPending
		}
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return sub, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errPending), errors.Is(err, protocol.ErrTransport):
		p.logger.Warn("inclusion wait exhausted",
			zap.String("token", token),
			zap.Int("attempts", attempts),
			zap.Duration("max_wait", p.poll.MaxWait),
		)
		return nil, &protocol.TimeoutError{Token: token, Waited: p.poll.MaxWait}
	default:
		return nil, err
	}
}
