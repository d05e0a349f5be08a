package main

import (
	"context"
	"log/slog"
)

// TemplateEventKind is the lifecycle change a TemplateEvent reports.
type TemplateEventKind string

const (
	TemplateCreated TemplateEventKind = "created"
	TemplateChanged TemplateEventKind = "changed"
	TemplateRemoved TemplateEventKind = "removed"
)

// TemplateEvent is emitted by the TemplateRegistry whenever a template on
// disk appears, changes or disappears.
type TemplateEvent struct {
	Kind     TemplateEventKind
	Template string
}

// Broadcaster sends a message to every client of a template.
type Broadcaster interface {
	Broadcast(template string, msg Message) int
}

// Controller turns template events into client messages.
type Controller struct {
	events      <-chan TemplateEvent
	broadcaster Broadcaster
	metrics     *Metrics
	done        chan struct{}
}

func NewController(events <-chan TemplateEvent, broadcaster Broadcaster, metrics *Metrics) *Controller {
	return &Controller{
		events:      events,
		broadcaster: broadcaster,
		metrics:     metrics,
		done:        make(chan struct{}),
	}
}

// Run consumes template events until the event channel is closed or ctx is
// cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	slog.Info("Controller started, waiting for template events")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Controller stopped")
			return
		case event, ok := <-c.events:
			if !ok {
				slog.Warn("Template event source closed, controller is no longer forwarding changes")
				return
			}
			c.handle(event)
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) handle(event TemplateEvent) {
	c.metrics.ControllerEvents.WithLabelValues(string(event.Kind)).Inc()
	logger := slog.With("template", event.Template, "kind", event.Kind)

	switch event.Kind {
	case TemplateCreated, TemplateChanged:
		n := c.broadcaster.Broadcast(event.Template, ReloadTemplate{})
		logger.Info("Template updated, reloading clients", "clients", n)
	case TemplateRemoved:
		logger.Info("Template removed")
	default:
		logger.Warn("Ignoring unknown template event")
	}
}
