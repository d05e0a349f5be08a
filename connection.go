package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// transport is the part of *websocket.Conn the connection loops use.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Serve registers ws as a client of template and runs its inbound and
// outbound loops. It returns once both loops have finished and the client is
// deregistered.
func (s *Server) Serve(ctx context.Context, ws transport, template string) {
	id, outbound := s.Register(template)
	logger := slog.With("connection_id", id, "template", template)
	logger.Info("Connected to new websocket client")

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(ctx, ws, outbound, logger)
		// Unblocks a pending read so the inbound loop observes the end.
		ws.Close()
	}()

	s.readLoop(ws, logger)
	s.Deregister(id)

	outbound.Close()
	<-writeDone
}

// readLoop reads client frames until the stream fails or ends.
func (s *Server) readLoop(ws transport, logger *slog.Logger) {
	ws.SetReadLimit(s.opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("Could not receive message from client", "error", err)
			} else {
				logger.Debug("Websocket stream ended", "error", err)
			}
			return
		}

		msg, err := DecodeInbound(data)
		if err != nil {
			logger.Error("Could not parse message on websocket", "error", err)
			continue
		}

		switch m := msg.(type) {
		case InboundLogError:
			logger.Error("Template error occurred", "message", m.Message, "stack", m.Stack)
		case UnknownInbound:
			logger.Debug("Ignoring websocket message", "type", m.Type)
		}
	}
}

// writeLoop drains the send queue to the socket and keeps the connection
// alive with pings. It stops on a stop item, a closed queue, a write failure
// or ctx cancellation.
func (s *Server) writeLoop(ctx context.Context, ws transport, outbound *sendQueue[[]byte], logger *slog.Logger) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-outbound.Ready():
			done, err := s.flush(ws, outbound)
			if err != nil {
				logger.Warn("Could not send message on websocket", "error", err)
				return
			}
			if done {
				s.writeClose(ws)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				logger.Debug("Could not ping client", "error", err)
				return
			}
		case <-ctx.Done():
			s.writeClose(ws)
			return
		}
	}
}

// flush writes every queued frame. done reports that the queue is closed and
// empty.
func (s *Server) flush(ws transport, outbound *sendQueue[[]byte]) (done bool, err error) {
	for {
		item, ok, closed := outbound.TryNext()
		if !ok {
			return closed, nil
		}
		if item.err != nil {
			if errors.Is(item.err, ErrQueueOverflow) {
				return false, item.err
			}
			return true, nil
		}

		ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, item.value); err != nil {
			return false, err
		}
	}
}

func (s *Server) writeClose(ws transport) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
}
