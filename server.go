package main

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionID identifies a websocket client for the lifetime of the process.
// IDs are never reused.
type ConnectionID uint64

// Connection is a registered client. Its template is fixed at registration.
type Connection struct {
	ID       ConnectionID
	Template string
	queue    *sendQueue[[]byte]
}

// ServerOptions tunes the per-connection loops.
type ServerOptions struct {
	// QueueLimit bounds each connection's send queue. Zero means unbounded;
	// otherwise a client falling this far behind is disconnected.
	QueueLimit     int
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	return o
}

// Server is the registry of live websocket connections. It fans messages out
// to the clients of a template.
type Server struct {
	mu          sync.RWMutex
	connections map[ConnectionID]*Connection
	nextID      atomic.Uint64

	opts    ServerOptions
	metrics *Metrics
}

func NewServer(opts ServerOptions, metrics *Metrics) *Server {
	return &Server{
		connections: make(map[ConnectionID]*Connection),
		opts:        opts.withDefaults(),
		metrics:     metrics,
	}
}

// Register adds a client of template and returns its id together with the
// queue its outbound loop must drain.
func (s *Server) Register(template string) (ConnectionID, *sendQueue[[]byte]) {
	id := ConnectionID(s.nextID.Add(1) - 1)
	conn := &Connection{
		ID:       id,
		Template: template,
		queue:    newSendQueue[[]byte](s.opts.QueueLimit),
	}

	s.mu.Lock()
	s.connections[id] = conn
	s.mu.Unlock()

	s.metrics.ActiveConnections.Inc()
	return id, conn.queue
}

// Deregister removes a client. Unknown ids are ignored, so it is safe to call
// more than once.
func (s *Server) Deregister(id ConnectionID) {
	s.mu.Lock()
	_, ok := s.connections[id]
	delete(s.connections, id)
	s.mu.Unlock()

	if ok {
		s.metrics.ActiveConnections.Dec()
		slog.Debug("Client disconnected", "connection_id", id)
	}
}

// Broadcast enqueues msg to every client of template and returns how many
// clients it reached. A client whose queue is gone is skipped.
func (s *Server) Broadcast(template string, msg Message) int {
	frame, err := EncodeMessage(msg)
	if err != nil {
		slog.Error("Could not encode message", "template", template, "error", err)
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for _, conn := range s.connections {
		if conn.Template != template {
			continue
		}
		if err := conn.queue.Push(frame); err != nil {
			s.metrics.SendFailures.Inc()
			slog.Warn("Could not forward message to client",
				"connection_id", conn.ID, "template", template, "error", err)
			continue
		}
		sent++
	}
	s.metrics.MessagesBroadcast.Add(float64(sent))
	return sent
}

// ClientCount returns the number of clients registered for template.
func (s *Server) ClientCount(template string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, conn := range s.connections {
		if conn.Template == template {
			n++
		}
	}
	return n
}

// Len returns the number of registered clients.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close closes every client's send queue. Outbound loops drain what is left
// and then close their transports, which ends the inbound loops and removes
// the clients.
func (s *Server) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conn := range s.connections {
		conn.queue.Close()
	}
}
