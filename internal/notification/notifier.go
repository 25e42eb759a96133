// Package notification delivers trading alerts (risk exits, risk blocks,
// feed outages) to external channels.
package notification

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level    AlertLevel `json:"level"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	Strategy string     `json:"strategy,omitempty"`
	Symbol   string     `json:"symbol,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// ErrQueueFull is returned by Dispatcher.Send when the queue is saturated.
var ErrQueueFull = errors.New("notification queue full")

// Dispatcher fans alerts out to several backends from a background
// goroutine. Send never blocks, so strategy goroutines can alert freely.
type Dispatcher struct {
	backends []Notifier
	queue    chan Alert
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(queueSize int, backends ...Notifier) *Dispatcher {
	return &Dispatcher{
		backends: backends,
		queue:    make(chan Alert, queueSize),
		timeout:  10 * time.Second,
	}
}

// Send enqueues the alert. It drops and returns ErrQueueFull rather than
// block.
func (d *Dispatcher) Send(_ context.Context, alert Alert) error {
	select {
	case d.queue <- alert:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start delivers queued alerts in a goroutine until ctx is done, then
// flushes what is left. Wait blocks until the flush completes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case a := <-d.queue:
					d.deliver(context.Background(), a)
				default:
					return
				}
			}
		case a := <-d.queue:
			d.deliver(ctx, a)
		}
	}
}

// Wait blocks until the delivery goroutine has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	for _, b := range d.backends {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := b.Send(sendCtx, a); err != nil {
			log.Printf("[notify] delivery failed: %v", err)
		}
		cancel()
	}
}
