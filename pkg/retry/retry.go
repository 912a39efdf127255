// Package retry wraps a chat model with exponential backoff. It serves the
// decision side only: ISR probes are never retried, a failed probe degrades
// to a neutral sample instead.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sameehj/sextant/pkg/agent"
)

// Policy configures the backoff. Zero values fall back to DefaultPolicy.
type Policy struct {
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

// DefaultPolicy retries three times, doubling from two seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: 2 * time.Second,
		Multiplier:      2.0,
		MaxInterval:     30 * time.Second,
	}
}

// ChatClient retries transient Complete failures.
type ChatClient struct {
	next   agent.LLMClient
	policy Policy
	logger *slog.Logger
}

func Wrap(next agent.LLMClient, policy Policy) *ChatClient {
	def := DefaultPolicy()
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &ChatClient{next: next, policy: policy}
}

func (c *ChatClient) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

func (c *ChatClient) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.Multiplier = c.policy.Multiplier
	b.MaxInterval = c.policy.MaxInterval
	b.RandomizationFactor = 0

	attempt := 0
	op := func() (*agent.CompletionResponse, error) {
		attempt++
		out, err := c.next.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || isPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if c.logger != nil {
				c.logger.Warn("chat_retry", "attempt", attempt, "wait", wait, "error", err)
			}
		}),
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
