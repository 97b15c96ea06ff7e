package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/stream"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var _ stream.Transport = (*WebSocketServer)(nil)

// WebSocketServer is the duplex transport. It keeps at most one peer: a
// new connection replaces the previous one.
type WebSocketServer struct {
	config   *config.ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener
	ingest   stream.Ingestor

	peer     *peer
	stopping bool
	peerMu   sync.Mutex
	wg       sync.WaitGroup

	// Statistics
	connectionsAccepted uint64
	messagesReceived    uint64
	framesDecoded       uint64
	decodeErrors        uint64
	resultsSent         uint64
	mu                  sync.RWMutex
}

// TransportStats represents transport statistics
type TransportStats struct {
	Address             string `json:"address"`
	PeerConnected       bool   `json:"peer_connected"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	MessagesReceived    uint64 `json:"messages_received"`
	FramesDecoded       uint64 `json:"frames_decoded"`
	DecodeErrors        uint64 `json:"decode_errors"`
	ResultsSent         uint64 `json:"results_sent"`
}

// peer is one accepted connection. Writes are serialized by writeMu.
type peer struct {
	conn      *websocket.Conn
	remote    string
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketServer creates a transport bound on Start
func NewWebSocketServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) *WebSocketServer {
	return &WebSocketServer{
		config:  cfg,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start binds the listening endpoint and routes decoded audio to ingest
func (s *WebSocketServer) Start(ctx context.Context, ingest stream.Ingestor) error {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("websocket server already started on %s", s.listener.Addr())
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)

	s.listener = listener
	s.ingest = ingest
	s.stopping = false
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := s.server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.metrics.RecordTransportError("listener")
			s.logger.Error("Websocket listener failed",
				slog.String("stage", "transport"),
				slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("Websocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	return nil
}

// Stop closes the listener and the current peer and waits until every
// connection handler has returned. Stop on a stopped server is a no-op.
func (s *WebSocketServer) Stop() error {
	s.peerMu.Lock()
	if s.listener == nil {
		s.peerMu.Unlock()
		return nil
	}
	s.stopping = true
	server := s.server
	current := s.peer
	s.peer = nil
	s.peerMu.Unlock()

	s.logger.Info("Stopping websocket server...")

	err := server.Close()
	if current != nil {
		current.close()
		s.metrics.RecordPeerDisconnected()
	}
	s.wg.Wait()

	s.peerMu.Lock()
	s.listener = nil
	s.server = nil
	s.peerMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close websocket listener: %w", err)
	}

	s.logger.Info("Websocket server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *WebSocketServer) Addr() string {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleUpgrade accepts a connection and makes it the active peer
func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordTransportError("upgrade")
		s.logger.Warn("Websocket upgrade failed",
			slog.String("stage", "transport"),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	p := &peer{
		conn:   conn,
		remote: r.RemoteAddr,
		done:   make(chan struct{}),
	}

	s.peerMu.Lock()
	if s.stopping {
		s.peerMu.Unlock()
		conn.Close()
		return
	}
	previous := s.peer
	s.peer = p
	s.wg.Add(1)
	s.peerMu.Unlock()

	if previous != nil {
		s.logger.Info("Replacing connected peer",
			slog.String("previous", previous.remote),
			slog.String("remote_addr", p.remote))
		previous.close()
	}

	s.mu.Lock()
	s.connectionsAccepted++
	s.mu.Unlock()
	s.metrics.RecordPeerConnected()

	s.logger.Info("Peer connected", slog.String("remote_addr", p.remote))

	go s.pingLoop(p)
	s.readLoop(p)
}

// readLoop decodes inbound messages until the connection fails
func (s *WebSocketServer) readLoop(p *peer) {
	defer func() {
		s.release(p)
		p.close()
		s.wg.Done()
		s.logger.Info("Peer disconnected", slog.String("remote_addr", p.remote))
	}()

	p.conn.SetReadLimit(s.config.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.RecordTransportError("read")
				s.logger.Warn("Websocket read failed",
					slog.String("stage", "transport"),
					slog.String("remote_addr", p.remote),
					slog.String("error", err.Error()))
			}
			return
		}

		s.mu.Lock()
		s.messagesReceived++
		s.mu.Unlock()

		msg, err := protocol.ParseMessage(messageType, data)
		if err != nil {
			s.mu.Lock()
			s.decodeErrors++
			s.mu.Unlock()
			s.metrics.RecordTransportError("decode")
			s.logger.Warn("Dropped malformed message",
				slog.String("stage", "transport"),
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()))
			continue
		}

		s.metrics.RecordTransportMessage("in", msg.Kind.String())

		switch msg.Kind {
		case protocol.KindStop:
			s.logger.Info("Peer requested stop", slog.String("remote_addr", p.remote))
			s.ingest.EndOfStream()
		case protocol.KindAudio:
			s.mu.Lock()
			s.framesDecoded++
			s.mu.Unlock()

			if err := s.ingest.ProcessAudio(audio.Frame(msg.Samples)); err != nil {
				// The controller logs pipeline failures with their own stage
				s.logger.Debug("Frame not ingested",
					slog.Int("samples", len(msg.Samples)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// pingLoop keeps the connection alive until the peer is closed
func (s *WebSocketServer) pingLoop(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

// release clears the peer reference only if it still points at p
func (s *WebSocketServer) release(p *peer) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if s.peer == p {
		s.peer = nil
		s.metrics.RecordPeerDisconnected()
	}
}

// Publish sends a result to the connected peer. Without a peer it does
// nothing. A failed write tears the connection down.
func (s *WebSocketServer) Publish(ctx context.Context, result dispatch.Result) error {
	s.peerMu.Lock()
	p := s.peer
	s.peerMu.Unlock()

	if p == nil {
		return nil
	}

	payload, err := protocol.MarshalResult(result.Time, result.Text)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if err := p.write(websocket.TextMessage, payload); err != nil {
		s.metrics.RecordTransportError("write")
		p.close()
		return fmt.Errorf("failed to send result to %s: %w", p.remote, err)
	}

	s.mu.Lock()
	s.resultsSent++
	s.mu.Unlock()
	s.metrics.RecordTransportMessage("out", "result")

	return nil
}

// GetStats returns current transport statistics
func (s *WebSocketServer) GetStats() TransportStats {
	s.peerMu.Lock()
	connected := s.peer != nil
	s.peerMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return TransportStats{
		Address:             s.config.Address,
		PeerConnected:       connected,
		ConnectionsAccepted: s.connectionsAccepted,
		MessagesReceived:    s.messagesReceived,
		FramesDecoded:       s.framesDecoded,
		DecodeErrors:        s.decodeErrors,
		ResultsSent:         s.resultsSent,
	}
}

func (p *peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

// close sends a close frame and releases the connection once
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)

		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		p.conn.Close()
	})
}
