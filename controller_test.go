package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcastCall struct {
	template string
	msg      Message
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (r *recordingBroadcaster) Broadcast(template string, msg Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, broadcastCall{template: template, msg: msg})
	return 1
}

func (r *recordingBroadcaster) Calls() []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcastCall(nil), r.calls...)
}

func runController(t *testing.T, events chan TemplateEvent) (*Controller, *recordingBroadcaster, *Metrics) {
	t.Helper()
	b := &recordingBroadcaster{}
	m := NewMetrics(prometheus.NewRegistry())
	c := NewController(events, b, m)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return c, b, m
}

func TestController_ChangedTriggersOneReload(t *testing.T) {
	events := make(chan TemplateEvent)
	c, b, m := runController(t, events)

	events <- TemplateEvent{Kind: TemplateChanged, Template: "alpha"}
	close(events)
	<-c.Done()

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "alpha", calls[0].template)
	assert.Equal(t, ReloadTemplate{}, calls[0].msg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControllerEvents.WithLabelValues("changed")))
}

func TestController_EventMapping(t *testing.T) {
	events := make(chan TemplateEvent, 3)
	events <- TemplateEvent{Kind: TemplateCreated, Template: "new"}
	events <- TemplateEvent{Kind: TemplateRemoved, Template: "old"}
	events <- TemplateEvent{Kind: "renamed", Template: "odd"}
	close(events)

	c, b, _ := runController(t, events)
	<-c.Done()

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "new", calls[0].template)
}

func TestController_ClosedSourceMakesControllerInert(t *testing.T) {
	events := make(chan TemplateEvent)
	close(events)

	c, b, _ := runController(t, events)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not stop after its event source closed")
	}
	assert.Empty(t, b.Calls())
}

func TestController_StopsOnContextCancel(t *testing.T) {
	events := make(chan TemplateEvent)
	c := NewController(events, &recordingBroadcaster{}, NewMetrics(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not stop on cancel")
	}
}

func TestController_BroadcastsToServerClients(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	_, alpha := s.Register("alpha")
	_, beta := s.Register("beta")

	events := make(chan TemplateEvent, 1)
	events <- TemplateEvent{Kind: TemplateChanged, Template: "alpha"}
	close(events)

	c := NewController(events, s, s.metrics)
	c.Run(context.Background())

	assert.Equal(t, []string{`{"type":"ReloadTemplate"}`}, drain(alpha))
	assert.Zero(t, beta.Len())
}
