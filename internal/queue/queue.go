// Package queue defines the tick work queue shared by the scheduler, the
// API, and the dispatcher's workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Item asks a worker to run one tick for an audit.
type Item struct {
	AuditID string
	// Reason says who enqueued the tick, for example "schedule" or "chain".
	Reason     string
	EnqueuedAt time.Time
}

// Queue carries tick requests to workers.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
