// Package notify delivers user-facing messages (approval, rejection, return,
// reminder and welcome mails) off the request path. The workflow hands a
// Message to a Dispatcher and moves on; delivery failures are logged only.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is a single notification. AttachmentPath is optional and is
// skipped when the file does not exist.
type Message struct {
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	AttachmentPath string `json:"attachment_path,omitempty"`
}

// Sender performs the actual delivery. It may block.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier accepts messages for asynchronous delivery. Notify never blocks
// and never reports delivery errors to the caller.
type Notifier interface {
	Notify(msg Message)
}

// Outcome labels reported to an Observer.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Observer is told the outcome of every message handed to the dispatcher.
type Observer func(outcome string)

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.queueSize = n
		}
	}
}

// WithSendTimeout bounds a single Send call.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observe = o }
}

// Dispatcher is a bounded queue drained by a fixed pool of workers.
type Dispatcher struct {
	sender    Sender
	workers   int
	queueSize int
	timeout   time.Duration
	observe   Observer

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool. Call Close to drain and stop it.
func NewDispatcher(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:    sender,
		workers:   2,
		queueSize: 128,
		timeout:   30 * time.Second,
		observe:   func(string) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Message, d.queueSize)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Notify queues msg for delivery. Messages without a recipient are skipped.
func (d *Dispatcher) Notify(msg Message) {
	if msg.To == "" {
		log.Debug().Str("subject", msg.Subject).Msg("Notify: no recipient, skipped")
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		log.Warn().Str("to", msg.To).Str("subject", msg.Subject).Msg("Notify: dispatcher closed, message dropped")
		d.observe(OutcomeDropped)
		return
	}
	select {
	case d.queue <- msg:
	default:
		log.Warn().Str("to", msg.To).Str("subject", msg.Subject).Msg("Notify: queue full, message dropped")
		d.observe(OutcomeDropped)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	log.Debug().Str("to", msg.To).Str("subject", msg.Subject).Msg("deliver: sending")
	if err := d.sender.Send(ctx, msg); err != nil {
		log.Error().Err(err).Str("to", msg.To).Str("subject", msg.Subject).Msg("deliver: failed to send notification")
		d.observe(OutcomeFailed)
		return
	}
	log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("deliver: notification sent")
	d.observe(OutcomeSent)
}

// Close stops accepting messages and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}
