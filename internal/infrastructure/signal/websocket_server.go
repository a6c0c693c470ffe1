package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/internal/core/services"
	rlog "vmsgate/pkg/logger"
	"vmsgate/pkg/tracing"
	"vmsgate/pkg/utils"
	"vmsgate/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnectionHandler receives the commands of control connections.
// BeginSubscribe must switch delivery before returning; the wait it returns
// runs off the read loop.
type ConnectionHandler interface {
	Open(ctx context.Context, conn ports.ClientConn) error
	BeginSubscribe(ctx context.Context, conn ports.ClientConn, guid string, mode domain.RequestedMode) (func() error, error)
	Stop(conn ports.ClientConn)
	SubscribePos(ctx context.Context, conn ports.ClientConn, params services.PosParams) error
	StopPos(conn ports.ClientConn)
	Close(conn ports.ClientConn)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	DefaultMode    domain.RequestedMode
	AllowedOrigins []string
	// NewLimiter returns the inbound message limiter of a new connection.
	NewLimiter func() *rate.Limiter
}

// WebSocketServer serves the control socket and the per-stream video sockets.
type WebSocketServer struct {
	cfg      Config
	handler  ConnectionHandler
	streams  ports.StreamRegistry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*peer

	logger *zap.SugaredLogger
}

func NewWebSocketServer(cfg Config, handler ConnectionHandler, streams ports.StreamRegistry, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.NewLimiter == nil {
		cfg.NewLimiter = func() *rate.Limiter { return rate.NewLimiter(rate.Inf, 0) }
	}
	s := &WebSocketServer{
		cfg:         cfg,
		handler:     handler,
		streams:     streams,
		connections: make(map[string]*peer),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warnw("rejected websocket origin", "origin", origin)
	return false
}

// HandleWebSocket serves one control connection until the client leaves.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := newPeer(utils.NewConnectionID(), ws, s.cfg.SendBuffer, s.cfg.PingInterval, s.cfg.WriteTimeout)
	log := rlog.ForConnection(s.logger, conn.ID())
	ctx, cancel := context.WithCancel(rlog.WithConnID(context.Background(), conn.ID()))
	defer cancel()

	s.track(conn)
	go conn.writePump()
	log.Infow("viewer connected", "remote", r.RemoteAddr)

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	if err := s.handler.Open(ctx, conn); err != nil {
		log.Warnw("connection opened without camera list", "error", err)
	}

	var subscribes sync.WaitGroup
	limiter := s.cfg.NewLimiter()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("error reading from viewer", "error", err)
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !limiter.Allow() {
			_ = conn.SendJSON(domain.NewErrorMessage("rate limit exceeded", nil))
			continue
		}
		s.dispatch(ctx, conn, data, &subscribes, log)
	}

	cancel()
	s.untrack(conn)
	s.handler.Close(conn)
	subscribes.Wait()
	conn.Close()
	conn.wait()
	log.Infow("viewer disconnected")
}

func (s *WebSocketServer) dispatch(ctx context.Context, conn *peer, data []byte, subscribes *sync.WaitGroup, log *zap.SugaredLogger) {
	msg, err := ParseInbound(data, s.cfg.DefaultMode)
	if err != nil {
		log.Debugw("rejected control message", "error", err)
		if errors.Is(err, ErrUnknownCommand) {
			_ = conn.SendJSON(domain.NewErrorMessage("unknown command", err.Error()))
		} else {
			_ = conn.SendJSON(domain.NewErrorMessage("invalid message format", err.Error()))
		}
		return
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, conn.ID())

	switch msg.Type {
	case TypeSubscribe:
		var wait func() error
		if wait, err = s.handler.BeginSubscribe(ctx, conn, msg.GUID, msg.Mode); err == nil {
			subscribes.Add(1)
			go func() {
				defer subscribes.Done()
				defer span.End()
				if err := wait(); err != nil && !errors.Is(err, services.ErrSubscriptionReplaced) && !errors.Is(err, context.Canceled) {
					tracing.RecordError(ctx, err)
					log.Infow("subscribe failed", "guid", msg.GUID, "error", err)
				}
			}()
			return
		}
	case TypeStop:
		s.handler.Stop(conn)
	case TypeSubscribePos:
		err = s.handler.SubscribePos(ctx, conn, msg.Pos)
	case TypeStopPos:
		s.handler.StopPos(conn)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		log.Infow("control command failed", "type", msg.Type, "guid", msg.GUID, "error", err)
	}
	span.End()
}

// HandleVideo attaches a binary socket to the stream named by the streamId
// query parameter. Unknown streams are closed immediately.
func (s *WebSocketServer) HandleVideo(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("streamId")
	if err := validation.ValidateStreamID(streamID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("video websocket upgrade failed", "stream_id", streamID, "error", err)
		return
	}
	defer ws.Close()

	sink := &videoSink{peer: newPeer(utils.NewConnectionID(), ws, s.cfg.SendBuffer, s.cfg.PingInterval, s.cfg.WriteTimeout)}
	go sink.writePump()

	if err := s.streams.AttachSink(streamID, sink); err != nil {
		s.logger.Warnw("video socket for unknown stream", "stream_id", streamID, "error", err)
		sink.Close()
		sink.wait()
		return
	}
	s.logger.Debugw("video sink attached", "stream_id", streamID, "sink", sink.ID())

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-readDone:
	case <-sink.done:
	}
	s.streams.DetachSink(streamID, sink.ID())
	sink.Close()
	sink.wait()
	s.logger.Debugw("video sink detached", "stream_id", streamID, "sink", sink.ID())
}

// videoSink relays stream bytes to one socket. A sink that falls behind is
// closed rather than left to stall the stream.
type videoSink struct {
	*peer
}

func (v *videoSink) Send(data []byte) error {
	err := v.SendBinary(data)
	if errors.Is(err, ErrSendBufferFull) {
		v.Close()
	}
	return err
}

func (s *WebSocketServer) track(p *peer) {
	s.mu.Lock()
	s.connections[p.ID()] = p
	s.mu.Unlock()
}

func (s *WebSocketServer) untrack(p *peer) {
	s.mu.Lock()
	delete(s.connections, p.ID())
	s.mu.Unlock()
}

// ConnectionCount reports the number of open control connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// CloseAll closes every control connection; their read loops then clean up.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.connections {
		p.Close()
		_ = p.ws.Close()
	}
}
