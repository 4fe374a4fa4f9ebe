// Package notify forwards trade task lifecycle alerts to operator chat
// channels. Task events pass through a configurable allow list; fatal
// process alerts always go out.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Severity ranks an alert for channels that can render it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Alert is one message bound for every sender.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Body     string
}

// Sender is a single chat channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// severityOf maps executor event names onto alert severity. An empty event is
// a process-level alert.
func severityOf(event string) Severity {
	switch event {
	case "", "panic_sell", "venue_error":
		return SeverityCritical
	case "task_stopped":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Notifier fans alerts out to its senders in parallel.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list lets every task event
// through.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a task event alert when event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, Alert{Event: event, Severity: severityOf(event), Title: title, Body: message})
}

// NotifyAll sends a critical alert past the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, Alert{Severity: SeverityCritical, Title: title, Body: message})
}

// dispatch delivers a to every sender. One failing sender does not stop the
// others; all failures come back joined.
func (n *Notifier) dispatch(ctx context.Context, a Alert) error {
	if len(n.senders) == 0 {
		return nil
	}
	errs := make([]error, len(n.senders))
	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, a); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", a.Event),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %s: %w", a.Title, err)
	}
	return nil
}
