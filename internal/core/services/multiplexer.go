package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"

	"go.uber.org/zap"
)

var (
	// ErrUnknownConnection is returned for connections that were never opened or already closed.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSubscriptionReplaced is returned by a video subscribe that was
	// stopped or superseded before its stream was ready.
	ErrSubscriptionReplaced = errors.New("subscription replaced")
)

// MultiplexerConfig holds per-connection delivery settings.
type MultiplexerConfig struct {
	ScreenshotInterval time.Duration
	// VideoPath is advertised to clients as the websocket path of video streams.
	VideoPath string
}

// Multiplexer tracks the delivery mode and POS subscription of every client
// connection. A connection has at most one of video or screenshots active,
// and independently at most one POS feed.
type Multiplexer struct {
	cfg         MultiplexerConfig
	streams     ports.StreamRegistry
	channels    ports.ChannelSource
	screenshots ports.ScreenshotSource
	poller      *PosPoller
	metrics     ports.GatewayMetrics
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*connSession
}

type screenshotLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pendingAcquire is a video subscribe waiting for its stream. handle and err
// are written before done is closed.
type pendingAcquire struct {
	guid   string
	cancel context.CancelFunc
	done   chan struct{}
	handle domain.StreamHandle
	err    error
}

type connSession struct {
	mux  *Multiplexer
	conn ports.ClientConn

	mu       sync.Mutex
	mode     domain.DeliveryMode
	guid     string
	streamID string
	shot     *screenshotLoop
	acquire  *pendingAcquire
	pos      *PosPollState
	closed   bool
}

func (s *connSession) ID() string { return s.conn.ID() }

func (s *connSession) OnStreamFailed(channel string, err error) {
	s.mux.onStreamFailed(s, channel, err)
}

func NewMultiplexer(
	cfg MultiplexerConfig,
	streams ports.StreamRegistry,
	channels ports.ChannelSource,
	screenshots ports.ScreenshotSource,
	poller *PosPoller,
	metrics ports.GatewayMetrics,
	logger *zap.SugaredLogger,
) *Multiplexer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.ScreenshotInterval <= 0 {
		cfg.ScreenshotInterval = time.Second
	}
	return &Multiplexer{
		cfg:         cfg,
		streams:     streams,
		channels:    channels,
		screenshots: screenshots,
		poller:      poller,
		metrics:     metrics,
		logger:      logger,
		sessions:    make(map[string]*connSession),
	}
}

func (m *Multiplexer) session(connID string) *connSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connID]
}

// Open registers conn and sends it the camera list.
func (m *Multiplexer) Open(ctx context.Context, conn ports.ClientConn) error {
	sess := &connSession{mux: m, conn: conn}
	m.mu.Lock()
	m.sessions[conn.ID()] = sess
	m.mu.Unlock()
	m.metrics.ConnectionOpened()

	channels, err := m.channels.Channels(ctx)
	if err != nil {
		m.logger.Warnw("failed to load cameras", "conn_id", conn.ID(), "error", err)
		_ = conn.SendJSON(domain.NewErrorMessage("failed to load cameras", err.Error()))
		return err
	}
	if channels == nil {
		channels = []domain.Channel{}
	}
	return conn.SendJSON(domain.CamerasMessage{Type: domain.MessageCameras, Data: channels})
}

// Subscribe switches conn to delivering guid in the requested mode and waits
// until video is ready or has failed. Failures are reported to the client
// here; the returned error is informational.
func (m *Multiplexer) Subscribe(ctx context.Context, conn ports.ClientConn, guid string, mode domain.RequestedMode) error {
	wait, err := m.BeginSubscribe(ctx, conn, guid, mode)
	if err != nil {
		return err
	}
	return wait()
}

// BeginSubscribe tears down the previous delivery of conn and starts the new
// one. Screenshot mode is fully set up on return. For video the returned
// wait blocks until the stream is ready; Stop, Close or another subscribe
// cancels it without waiting for the upstream. The wait must be called
// exactly once.
func (m *Multiplexer) BeginSubscribe(ctx context.Context, conn ports.ClientConn, guid string, mode domain.RequestedMode) (func() error, error) {
	sess := m.session(conn.ID())
	if sess == nil {
		return nil, ErrUnknownConnection
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, ErrUnknownConnection
	}
	m.stopDeliveryLocked(sess)

	if mode == domain.RequestScreenshot {
		m.startScreenshotLocked(sess, guid)
		return func() error { return nil }, nil
	}

	acqCtx, cancel := context.WithCancel(ctx)
	p := &pendingAcquire{guid: guid, cancel: cancel, done: make(chan struct{})}
	sess.acquire = p
	return func() error { return m.finishSubscribe(acqCtx, sess, p, mode) }, nil
}

func (m *Multiplexer) finishSubscribe(ctx context.Context, sess *connSession, p *pendingAcquire, mode domain.RequestedMode) error {
	p.handle, p.err = m.streams.Acquire(ctx, p.guid, sess)
	close(p.done)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.acquire != p {
		// The canceller already released whatever Acquire obtained.
		return ErrSubscriptionReplaced
	}
	sess.acquire = nil
	p.cancel()

	if p.err != nil {
		if ctx.Err() != nil {
			return p.err
		}
		return m.videoFailedLocked(sess, p.guid, mode, p.err)
	}

	m.setModeLocked(sess, domain.ModeVideo, p.guid)
	sess.streamID = p.handle.ID
	return sess.conn.SendJSON(domain.StreamMessage{
		Type:      domain.MessageStream,
		Mode:      domain.ModeVideo.String(),
		GUID:      p.guid,
		Container: p.handle.Container,
		StreamID:  p.handle.ID,
		VideoPath: m.cfg.VideoPath,
	})
}

func (m *Multiplexer) videoFailedLocked(sess *connSession, guid string, mode domain.RequestedMode, err error) error {
	log := m.logger.With("conn_id", sess.ID(), "guid", guid, "error", err)

	switch {
	case errors.Is(err, domain.ErrTranscoderUnavailable):
		log.Infow("transcoder unavailable, serving screenshots")
		if mode == domain.RequestVideo {
			_ = sess.conn.SendJSON(domain.NewErrorMessage("video relay unavailable, switching to screenshots", nil))
		}
		m.startScreenshotLocked(sess, guid)
		return err

	case errors.Is(err, domain.ErrStreamUnavailable), errors.Is(err, domain.ErrSessionUnavailable):
		log.Warnw("video stream unavailable")
		_ = sess.conn.SendJSON(domain.NewErrorMessage("video stream unavailable", failureDetails(err)))

	default:
		log.Warnw("video subscribe failed")
		_ = sess.conn.SendJSON(domain.NewErrorMessage("failed to start video", err.Error()))
	}

	if mode == domain.RequestAuto {
		m.startScreenshotLocked(sess, guid)
	}
	return err
}

func failureDetails(err error) interface{} {
	var unavailable *domain.StreamUnavailableError
	if errors.As(err, &unavailable) && len(unavailable.Details) > 0 {
		return unavailable.Details
	}
	return err.Error()
}

func (m *Multiplexer) onStreamFailed(sess *connSession, channel string, err error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed || sess.mode != domain.ModeVideo || sess.guid != channel {
		return
	}
	m.logger.Warnw("video stream gave up, serving screenshots", "conn_id", sess.ID(), "guid", channel, "error", err)

	// The supervisor has already dropped this member.
	m.setModeLocked(sess, domain.ModeNone, "")
	sess.streamID = ""
	_ = sess.conn.SendJSON(domain.NewErrorMessage("video stream failed, switching to screenshots", err.Error()))
	m.startScreenshotLocked(sess, channel)
}

func (m *Multiplexer) setModeLocked(sess *connSession, mode domain.DeliveryMode, guid string) {
	if sess.mode != mode {
		m.metrics.ModeChanged(sess.mode, mode)
	}
	sess.mode = mode
	sess.guid = guid
}

// stopDeliveryLocked tears down the active delivery. It returns only after
// the screenshot loop has exited and a pending acquire has been abandoned.
func (m *Multiplexer) stopDeliveryLocked(sess *connSession) {
	if p := sess.acquire; p != nil {
		sess.acquire = nil
		p.cancel()
		<-p.done
		if p.err == nil {
			m.streams.Release(sess.ID())
		}
	}

	switch sess.mode {
	case domain.ModeVideo:
		m.streams.Release(sess.ID())
	case domain.ModeScreenshot:
		if sess.shot != nil {
			sess.shot.cancel()
			<-sess.shot.done
			sess.shot = nil
		}
	}
	sess.streamID = ""
	m.setModeLocked(sess, domain.ModeNone, "")
}

func (m *Multiplexer) startScreenshotLocked(sess *connSession, guid string) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &screenshotLoop{cancel: cancel, done: make(chan struct{})}
	sess.shot = loop
	m.setModeLocked(sess, domain.ModeScreenshot, guid)

	_ = sess.conn.SendJSON(domain.StreamMessage{
		Type: domain.MessageStream,
		Mode: domain.ModeScreenshot.String(),
		GUID: guid,
	})
	go m.runScreenshots(ctx, sess.conn, guid, loop.done)
}

// runScreenshots fetches one image per tick. A tick that finds the previous
// fetch still running is skipped.
func (m *Multiplexer) runScreenshots(ctx context.Context, conn ports.ClientConn, guid string, done chan struct{}) {
	defer close(done)

	var (
		inFlight atomic.Bool
		wg       sync.WaitGroup
	)
	defer wg.Wait()

	fetch := func() {
		if !inFlight.CompareAndSwap(false, true) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer inFlight.Store(false)

			img, err := m.screenshots.Screenshot(ctx, guid)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Debugw("screenshot fetch failed", "conn_id", conn.ID(), "guid", guid, "error", err)
				}
				return
			}
			if len(img) == 0 || ctx.Err() != nil || conn.Closed() {
				return
			}
			_ = conn.SendBinary(img)
		}()
	}

	fetch()
	ticker := time.NewTicker(m.cfg.ScreenshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetch()
		}
	}
}

// Stop ends both the delivery mode and the POS feed of conn.
func (m *Multiplexer) Stop(conn ports.ClientConn) {
	sess := m.session(conn.ID())
	if sess == nil {
		return
	}
	sess.mu.Lock()
	m.stopDeliveryLocked(sess)
	pos := sess.pos
	sess.pos = nil
	sess.mu.Unlock()

	if pos != nil {
		pos.Stop()
	}
}

// Close stops everything for conn and forgets it.
func (m *Multiplexer) Close(conn ports.ClientConn) {
	m.mu.Lock()
	sess := m.sessions[conn.ID()]
	delete(m.sessions, conn.ID())
	m.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	sess.closed = true
	m.stopDeliveryLocked(sess)
	pos := sess.pos
	sess.pos = nil
	sess.mu.Unlock()

	if pos != nil {
		pos.Stop()
	}
	m.metrics.ConnectionClosed()
}

// CloseAll closes every open connection session.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	conns := make([]ports.ClientConn, 0, len(m.sessions))
	for _, sess := range m.sessions {
		conns = append(conns, sess.conn)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.Close(c)
	}
}

// HasVideo reports whether conn currently receives video of guid.
func (m *Multiplexer) HasVideo(connID, guid string) bool {
	sess := m.session(connID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.acquire != nil {
		return sess.acquire.guid == guid
	}
	return sess.mode == domain.ModeVideo && sess.guid == guid
}

// Mode reports the active delivery of conn.
func (m *Multiplexer) Mode(connID string) (domain.DeliveryMode, string) {
	sess := m.session(connID)
	if sess == nil {
		return domain.ModeNone, ""
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.mode, sess.guid
}

// SubscribePos replaces the POS feed of conn. When the feed is bound to a
// channel without active video, video for that channel is started.
func (m *Multiplexer) SubscribePos(ctx context.Context, conn ports.ClientConn, params PosParams) error {
	sess := m.session(conn.ID())
	if sess == nil {
		return ErrUnknownConnection
	}
	if m.poller == nil {
		return fmt.Errorf("pos events are not configured")
	}

	sess.mu.Lock()
	old := sess.pos
	sess.pos = nil
	sess.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	st := m.poller.Start(context.Background(), PosSubscription{
		Params: params,
		Deliver: func(events []domain.PosEvent) error {
			return conn.SendJSON(domain.PosEventsMessage{Type: domain.MessagePosEvents, Data: events})
		},
		AttachVideo: func(ctx context.Context, channel string) {
			if m.HasVideo(conn.ID(), channel) {
				return
			}
			m.logger.Infow("attaching video for pos feed", "conn_id", conn.ID(), "guid", channel)
			// The video outlives the feed, so it is not bound to the poll loop.
			wait, err := m.BeginSubscribe(context.WithoutCancel(ctx), conn, channel, domain.RequestAuto)
			if err != nil {
				return
			}
			go func() {
				if err := wait(); err != nil && !errors.Is(err, ErrSubscriptionReplaced) {
					m.logger.Debugw("pos feed video not attached", "conn_id", conn.ID(), "guid", channel, "error", err)
				}
			}()
		},
	})

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		st.Stop()
		return ErrUnknownConnection
	}
	sess.pos = st
	sess.mu.Unlock()

	m.logger.Infow("pos feed subscribed",
		"conn_id", conn.ID(), "terminal", params.Terminal, "guid", params.Channel, "interval", st.Interval())
	return nil
}

// StopPos ends the POS feed of conn, leaving its delivery mode untouched.
func (m *Multiplexer) StopPos(conn ports.ClientConn) {
	sess := m.session(conn.ID())
	if sess == nil {
		return
	}
	sess.mu.Lock()
	pos := sess.pos
	sess.pos = nil
	sess.mu.Unlock()

	if pos != nil {
		pos.Stop()
	}
}

// PosState returns the running POS feed of conn, if any.
func (m *Multiplexer) PosState(connID string) *PosPollState {
	sess := m.session(connID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.pos
}
