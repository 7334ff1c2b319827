package audit

import (
	"context"
	"errors"
)

// SemaphoreControl bounds concurrent work with a buffered channel. Used to
// cap in-flight Kafka sends and concurrent schema applies on the hub.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(limit int) *SemaphoreControl {
	if limit <= 0 {
		limit = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, limit)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release without matching acquire")
	}
}
