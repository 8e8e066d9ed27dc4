// Package notify delivers workflow notifications to people.
//
// Delivery is fire-and-forget: Notifier.Notify never blocks the caller and
// never returns a delivery error. Failures are logged and dropped.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Message is one notification.
type Message struct {
	Severity Severity
	Subject  string
	Body     string
	// To overrides the sink's default recipient when set (mail only).
	To string
}

// Sink delivers a message synchronously.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans a message out to every sink in the background.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func New(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{sinks: sinks, timeout: timeout, logger: logger}
}

// Notify dispatches msg to all sinks and returns immediately.
func (n *Notifier) Notify(msg Message) {
	if n == nil {
		return
	}
	for _, sink := range n.sinks {
		n.wg.Add(1)
		go func(s Sink) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := s.Send(ctx, msg); err != nil {
				n.logger.Warn("notification delivery failed",
					zap.String("sink", s.Name()),
					zap.String("subject", msg.Subject),
					zap.Error(err))
			}
		}(sink)
	}
}

// Close waits for in-flight deliveries until ctx is done.
func (n *Notifier) Close(ctx context.Context) {
	if n == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("notifications still in flight at shutdown")
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, msg Message) error {
	if s.Logger == nil {
		return nil
	}
	fields := []zap.Field{zap.String("subject", msg.Subject), zap.String("body", msg.Body)}
	if msg.Severity == SeverityError {
		s.Logger.Error("notification", fields...)
		return nil
	}
	s.Logger.Info("notification", fields...)
	return nil
}
