// Package mqtest provides an in-memory event publisher for tests
package mqtest

import (
	"context"
	"sync"

	"github.com/septivank/device-gateway/internal/mq"
)

// RecordingPublisher keeps published events in memory
type RecordingPublisher struct {
	mu     sync.Mutex
	events []mq.Event
}

func (r *RecordingPublisher) Publish(_ context.Context, event mq.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Types returns the routing keys published so far, in order
func (r *RecordingPublisher) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
