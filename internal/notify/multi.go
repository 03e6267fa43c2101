// ABOUTME: Fan-out notifier publishing to several backends under one deadline
// ABOUTME: Every backend is attempted; failures are joined rather than short-circuiting

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Multi publishes to every wrapped notifier.
type Multi struct {
	notifiers []Notifier
	timeout   time.Duration
}

var _ Notifier = (*Multi)(nil)

// NewMulti fans out to notifiers. A positive timeout bounds each Publish call.
func NewMulti(timeout time.Duration, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, timeout: timeout}
}

// Publish builds the event once so every backend carries the same event ID.
func (m *Multi) Publish(ctx context.Context, route Route, payload any) error {
	ev, err := NewEvent(route, payload)
	if err != nil {
		return err
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var errs []error
	for i, n := range m.notifiers {
		if err := n.Publish(ctx, route, ev); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d (%T): %w", i, n, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every wrapped notifier.
func (m *Multi) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Route, any) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
