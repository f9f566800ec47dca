// Package simple contains a permissive politeness policy.
package simple

import (
	"context"
	"fmt"
)

// Policy never delays a request; it only observes cancellation.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately unless ctx is already done.
func (Policy) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("policy wait: %w", err)
	}
	return nil
}
