package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/pkg/tracing"
	"vmsgate/pkg/utils"

	"go.uber.org/zap"
)

// SupervisorConfig holds the restart and keep-alive policy of video streams.
type SupervisorConfig struct {
	// Containers are tried in order when a stream is first launched.
	Containers []domain.Container
	// RelaunchContainers are tried in order on restarts, minus blacklisted ones.
	RelaunchContainers []domain.Container
	MaxRestarts        int
	RestartDelay       time.Duration
	InactivityTimeout  time.Duration
	TokenPingInterval  time.Duration
}

// StreamSupervisor owns one transcoder pipeline per channel and fans its
// output out to every attached sink. A stream lives while it has members.
type StreamSupervisor struct {
	cfg        SupervisorConfig
	negotiator ports.StreamNegotiator
	transcoder ports.Transcoder
	metrics    ports.GatewayMetrics
	events     ports.EventPublisher
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu          sync.Mutex
	byID        map[string]*supervisedStream
	byGUID      map[string]*supervisedStream
	memberIndex map[string]*supervisedStream
	closed      bool
}

type launchOp struct {
	done chan struct{}
	err  error
}

type supervisedStream struct {
	id      string
	channel string
	ctx     context.Context
	cancel  context.CancelFunc

	members map[string]ports.StreamMember
	sinks   map[string]ports.FrameSink

	info       domain.StreamInfo
	proc       ports.Process
	generation uint64
	gotOutput  bool
	attempts   int
	blacklist  map[domain.Container]bool

	launching    *launchOp
	relaunching  bool
	restartTimer *time.Timer
	watchdog     *time.Timer
	pinging      bool
	stopped      bool

	startedAt  time.Time
	lastOutput time.Time
}

func (st *supervisedStream) busy() bool {
	return st.launching != nil || st.relaunching || st.restartTimer != nil
}

// sideEffects collects callbacks that must run after the supervisor lock is released.
type sideEffects struct {
	close   []ports.FrameSink
	notify  []ports.StreamMember
	channel string
	err     error
}

func (fx *sideEffects) merge(other sideEffects) {
	fx.close = append(fx.close, other.close...)
	fx.notify = append(fx.notify, other.notify...)
	if other.err != nil {
		fx.channel, fx.err = other.channel, other.err
	}
}

func (fx sideEffects) run() {
	for _, s := range fx.close {
		s.Close()
	}
	for _, m := range fx.notify {
		m.OnStreamFailed(fx.channel, fx.err)
	}
}

func NewStreamSupervisor(
	cfg SupervisorConfig,
	negotiator ports.StreamNegotiator,
	transcoder ports.Transcoder,
	metrics ports.GatewayMetrics,
	events ports.EventPublisher,
	logger *zap.SugaredLogger,
) *StreamSupervisor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if events == nil {
		events = ports.NopPublisher{}
	}
	if len(cfg.RelaunchContainers) == 0 {
		cfg.RelaunchContainers = cfg.Containers
	}
	return &StreamSupervisor{
		cfg:         cfg,
		negotiator:  negotiator,
		transcoder:  transcoder,
		metrics:     metrics,
		events:      events,
		logger:      logger,
		now:         time.Now,
		byID:        make(map[string]*supervisedStream),
		byGUID:      make(map[string]*supervisedStream),
		memberIndex: make(map[string]*supervisedStream),
	}
}

// Acquire joins member to the stream of channel, launching it if needed.
// Callers arriving while the first launch is in flight wait for its outcome.
// A member belongs to at most one stream; joining another one leaves the old.
func (s *StreamSupervisor) Acquire(ctx context.Context, channel string, member ports.StreamMember) (domain.StreamHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.StreamHandle{}, domain.ErrStreamStopped
	}

	var fx sideEffects
	if prev := s.memberIndex[member.ID()]; prev != nil && prev.channel != channel {
		fx = s.removeMemberLocked(prev, member.ID())
	}

	st := s.byGUID[channel]
	if st == nil {
		if !s.transcoder.Available() {
			s.mu.Unlock()
			fx.run()
			return domain.StreamHandle{}, domain.ErrTranscoderUnavailable
		}
		st = s.newStreamLocked(channel)
		st.launching = &launchOp{done: make(chan struct{})}
		go s.initialLaunch(st, st.launching)
	}

	if _, ok := st.members[member.ID()]; !ok {
		st.members[member.ID()] = member
		s.memberIndex[member.ID()] = st
		s.metrics.MembersChanged(1)
	}
	op := st.launching
	s.mu.Unlock()
	fx.run()

	if op != nil {
		select {
		case <-op.done:
			if op.err != nil {
				return domain.StreamHandle{}, op.err
			}
		case <-ctx.Done():
			s.Release(member.ID())
			return domain.StreamHandle{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.stopped {
		return domain.StreamHandle{}, domain.ErrStreamStopped
	}
	return domain.StreamHandle{ID: st.id, Channel: st.channel, Container: st.info.Container}, nil
}

func (s *StreamSupervisor) newStreamLocked(channel string) *supervisedStream {
	ctx, cancel := context.WithCancel(context.Background())
	st := &supervisedStream{
		id:        utils.NewStreamID(channel),
		channel:   channel,
		ctx:       ctx,
		cancel:    cancel,
		members:   make(map[string]ports.StreamMember),
		sinks:     make(map[string]ports.FrameSink),
		blacklist: make(map[domain.Container]bool),
		startedAt: s.now(),
	}
	s.byID[st.id] = st
	s.byGUID[channel] = st
	s.metrics.StreamStarted()
	s.logger.Infow("stream created", "guid", channel, "stream_id", st.id)
	return st
}

// initialLaunch runs detached from any caller so that one subscriber giving
// up does not abort the launch for the others.
func (s *StreamSupervisor) initialLaunch(st *supervisedStream, op *launchOp) {
	ctx, span := tracing.TraceStreamLaunch(st.ctx, st.channel, st.id)
	defer span.End()

	info, err := s.negotiator.NegotiateStream(ctx, st.channel, s.cfg.Containers)
	if err == nil {
		err = s.startProcess(st, info)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}

	s.mu.Lock()
	st.launching = nil
	var fx sideEffects
	if err != nil && !st.stopped {
		s.logger.Warnw("stream launch failed", "guid", st.channel, "stream_id", st.id, "error", err)
		fx = s.stopLocked(st, "launch failed")
	}
	if err == nil && st.stopped {
		err = domain.ErrStreamStopped
	}
	op.err = err
	s.mu.Unlock()

	fx.run()
	close(op.done)
}

// startProcess spawns a transcoder for info and makes it the current run.
func (s *StreamSupervisor) startProcess(st *supervisedStream, info domain.StreamInfo) error {
	s.mu.Lock()
	if st.stopped {
		s.mu.Unlock()
		return domain.ErrStreamStopped
	}
	st.generation++
	gen := st.generation
	st.gotOutput = false
	s.mu.Unlock()

	spec := ports.TranscodeSpec{Channel: st.channel, Input: info, StreamID: st.id}
	proc, err := s.transcoder.Start(st.ctx, spec, func(chunk []byte) {
		s.onChunk(st, gen, chunk)
	})
	if err != nil {
		return fmt.Errorf("starting transcoder: %w", err)
	}

	s.mu.Lock()
	if st.stopped || st.generation != gen {
		s.mu.Unlock()
		proc.Kill()
		return domain.ErrStreamStopped
	}
	st.proc = proc
	st.info = info
	if s.cfg.InactivityTimeout > 0 {
		st.watchdog = time.AfterFunc(s.cfg.InactivityTimeout, func() {
			s.fail(st, gen, "inactivity", nil)
		})
	}
	if !st.pinging && s.cfg.TokenPingInterval > 0 {
		st.pinging = true
		go s.pingLoop(st)
	}
	s.events.PublishStreamEvent(domain.StreamEvent{
		Type:      domain.StreamStarted,
		StreamID:  st.id,
		Channel:   st.channel,
		Container: info.Container,
		Attempt:   st.attempts,
	})
	s.mu.Unlock()

	s.logger.Infow("transcoder started",
		"guid", st.channel, "stream_id", st.id, "container", string(info.Container), "attempt", st.attempts)
	go s.watch(st, gen, proc)
	return nil
}

func (s *StreamSupervisor) watch(st *supervisedStream, gen uint64, proc ports.Process) {
	<-proc.Done()
	err := proc.Err()
	reason := "end"
	if err != nil {
		reason = "error"
	}
	s.fail(st, gen, reason, err)
}

func (s *StreamSupervisor) onChunk(st *supervisedStream, gen uint64, chunk []byte) {
	s.mu.Lock()
	if st.stopped || st.generation != gen {
		s.mu.Unlock()
		return
	}
	st.lastOutput = s.now()
	if !st.gotOutput {
		st.gotOutput = true
		st.attempts = 0
	}
	if st.watchdog != nil {
		st.watchdog.Reset(s.cfg.InactivityTimeout)
	}
	sinks := make([]ports.FrameSink, 0, len(st.sinks))
	for _, sink := range st.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Send(chunk); err != nil {
			s.logger.Debugw("dropping closed video sink", "stream_id", st.id, "sink", sink.ID(), "error", err)
			s.DetachSink(st.id, sink.ID())
			continue
		}
		s.metrics.BytesRelayed(len(chunk))
	}
}

// fail ends run gen of st and applies the restart policy.
func (s *StreamSupervisor) fail(st *supervisedStream, gen uint64, reason string, cause error) {
	s.mu.Lock()
	if st.stopped || st.generation != gen {
		s.mu.Unlock()
		return
	}
	st.generation++

	if st.proc != nil {
		st.proc.Kill()
		st.proc = nil
	}
	stopTimer(&st.watchdog)

	s.logger.Warnw("transcoder failed",
		"guid", st.channel, "stream_id", st.id, "container", string(st.info.Container),
		"reason", reason, "error", cause)
	fx := s.handleFailureLocked(st, reason, cause)
	s.mu.Unlock()

	fx.run()
}

// handleFailureLocked blacklists the current container and either schedules
// a relaunch or gives up once the attempt budget is spent.
func (s *StreamSupervisor) handleFailureLocked(st *supervisedStream, reason string, cause error) sideEffects {
	if st.info.Container != "" {
		st.blacklist[st.info.Container] = true
	}

	if len(st.members) == 0 {
		return s.stopLocked(st, "no members")
	}

	if st.attempts >= s.cfg.MaxRestarts {
		members := make([]ports.StreamMember, 0, len(st.members))
		for _, m := range st.members {
			members = append(members, m)
		}
		s.metrics.StreamFallback(st.channel)
		s.events.PublishStreamEvent(domain.StreamEvent{
			Type:     domain.StreamFallback,
			StreamID: st.id,
			Channel:  st.channel,
			Attempt:  st.attempts,
			Reason:   reason,
		})
		s.logger.Warnw("stream restarts exhausted, falling back",
			"guid", st.channel, "stream_id", st.id, "attempts", st.attempts)

		fx := s.stopLocked(st, "restarts exhausted")
		fx.notify = members
		fx.channel = st.channel
		fx.err = fmt.Errorf("%w after %d attempts: %s", domain.ErrRestartsExhausted, st.attempts, describe(reason, cause))
		return fx
	}

	st.attempts++
	s.metrics.StreamRestart(st.channel)
	s.events.PublishStreamEvent(domain.StreamEvent{
		Type:     domain.StreamRestarting,
		StreamID: st.id,
		Channel:  st.channel,
		Attempt:  st.attempts,
		Reason:   reason,
	})
	s.logger.Infow("scheduling stream restart",
		"guid", st.channel, "stream_id", st.id, "attempt", st.attempts, "delay", s.cfg.RestartDelay)
	st.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() { s.relaunch(st) })
	return sideEffects{}
}

func describe(reason string, cause error) string {
	if cause == nil {
		return reason
	}
	return reason + ": " + cause.Error()
}

func (s *StreamSupervisor) relaunch(st *supervisedStream) {
	s.mu.Lock()
	if st.stopped {
		s.mu.Unlock()
		return
	}
	st.restartTimer = nil
	st.relaunching = true
	containers := s.relaunchContainersLocked(st)
	s.mu.Unlock()

	info, err := s.negotiator.NegotiateStream(st.ctx, st.channel, containers)
	if err == nil {
		err = s.startProcess(st, info)
	}

	s.mu.Lock()
	st.relaunching = false
	var fx sideEffects
	if err != nil && !st.stopped {
		s.logger.Warnw("stream relaunch failed", "guid", st.channel, "stream_id", st.id, "error", err)
		fx = s.handleFailureLocked(st, "restart-error", err)
	}
	s.mu.Unlock()
	fx.run()
}

// relaunchContainersLocked filters blacklisted containers. Once every
// container has failed the blacklist is cleared so the budget still applies.
func (s *StreamSupervisor) relaunchContainersLocked(st *supervisedStream) []domain.Container {
	var out []domain.Container
	for _, c := range s.cfg.RelaunchContainers {
		if !st.blacklist[c] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		st.blacklist = make(map[domain.Container]bool)
		out = append(out, s.cfg.RelaunchContainers...)
	}
	return out
}

func (s *StreamSupervisor) pingLoop(st *supervisedStream) {
	ticker := time.NewTicker(s.cfg.TokenPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return
		case <-ticker.C:
			s.pingOnce(st)
		}
	}
}

// pingOnce keeps the token alive; a dead token is renegotiated for the same
// container and the transcoder is restarted in place.
func (s *StreamSupervisor) pingOnce(st *supervisedStream) {
	s.mu.Lock()
	if st.stopped || st.proc == nil || st.busy() {
		s.mu.Unlock()
		return
	}
	info, gen := st.info, st.generation
	s.mu.Unlock()

	err := s.negotiator.PingToken(st.ctx, info)
	if err == nil || st.ctx.Err() != nil {
		return
	}
	s.logger.Warnw("stream token ping failed, renewing", "guid", st.channel, "stream_id", st.id, "error", err)

	fresh, err := s.negotiator.NegotiateStream(st.ctx, st.channel, []domain.Container{info.Container})
	if err != nil {
		s.fail(st, gen, "token-renewal", err)
		return
	}
	s.replaceProcess(st, gen, fresh)
}

func (s *StreamSupervisor) replaceProcess(st *supervisedStream, gen uint64, info domain.StreamInfo) {
	s.mu.Lock()
	if st.stopped || st.generation != gen {
		s.mu.Unlock()
		return
	}
	st.generation++
	if st.proc != nil {
		st.proc.Kill()
		st.proc = nil
	}
	stopTimer(&st.watchdog)
	st.relaunching = true
	s.mu.Unlock()

	err := s.startProcess(st, info)

	s.mu.Lock()
	st.relaunching = false
	var fx sideEffects
	if err != nil && !st.stopped {
		fx = s.handleFailureLocked(st, "restart-error", err)
	}
	s.mu.Unlock()
	fx.run()
}

// Release removes a member from its stream; the last member stops it.
func (s *StreamSupervisor) Release(memberID string) {
	s.mu.Lock()
	st := s.memberIndex[memberID]
	if st == nil {
		s.mu.Unlock()
		return
	}
	fx := s.removeMemberLocked(st, memberID)
	s.mu.Unlock()
	fx.run()
}

func (s *StreamSupervisor) removeMemberLocked(st *supervisedStream, memberID string) sideEffects {
	delete(s.memberIndex, memberID)
	if _, ok := st.members[memberID]; !ok {
		return sideEffects{}
	}
	delete(st.members, memberID)
	s.metrics.MembersChanged(-1)
	if len(st.members) == 0 {
		return s.stopLocked(st, "no members")
	}
	return sideEffects{}
}

// stopLocked tears st down. Timers are stopped and the process is killed
// before returning; sink closes are left to the caller.
func (s *StreamSupervisor) stopLocked(st *supervisedStream, reason string) sideEffects {
	if st.stopped {
		return sideEffects{}
	}
	st.stopped = true
	st.generation++
	st.cancel()
	stopTimer(&st.restartTimer)
	stopTimer(&st.watchdog)

	if st.proc != nil {
		st.proc.Kill()
		st.proc = nil
	}
	var fx sideEffects
	for id, sink := range st.sinks {
		fx.close = append(fx.close, sink)
		delete(st.sinks, id)
		s.metrics.SinksChanged(-1)
	}
	for id := range st.members {
		if s.memberIndex[id] == st {
			delete(s.memberIndex, id)
		}
		delete(st.members, id)
		s.metrics.MembersChanged(-1)
	}

	if s.byID[st.id] == st {
		delete(s.byID, st.id)
	}
	if s.byGUID[st.channel] == st {
		delete(s.byGUID, st.channel)
	}

	s.metrics.StreamStopped()
	s.events.PublishStreamEvent(domain.StreamEvent{
		Type:      domain.StreamStopped,
		StreamID:  st.id,
		Channel:   st.channel,
		Container: st.info.Container,
		Reason:    reason,
	})
	s.logger.Infow("stream stopped", "guid", st.channel, "stream_id", st.id, "reason", reason)
	return fx
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// AttachSink registers a video sink on a running stream.
func (s *StreamSupervisor) AttachSink(streamID string, sink ports.FrameSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.byID[streamID]
	if st == nil || st.stopped {
		return fmt.Errorf("%w: %s", domain.ErrStreamNotFound, streamID)
	}
	if _, ok := st.sinks[sink.ID()]; !ok {
		s.metrics.SinksChanged(1)
	}
	st.sinks[sink.ID()] = sink
	return nil
}

func (s *StreamSupervisor) DetachSink(streamID, sinkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.byID[streamID]
	if st == nil {
		return
	}
	if _, ok := st.sinks[sinkID]; ok {
		delete(st.sinks, sinkID)
		s.metrics.SinksChanged(-1)
	}
}

// Snapshot reports every live stream ordered by id.
func (s *StreamSupervisor) Snapshot() []domain.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.StreamStatus, 0, len(s.byID))
	for _, st := range s.byID {
		status := domain.StreamStatus{
			ID:              st.id,
			Channel:         st.channel,
			Container:       st.info.Container,
			Members:         len(st.members),
			Sinks:           len(st.sinks),
			RestartAttempts: st.attempts,
			Launching:       st.busy(),
			Running:         st.proc != nil,
			StartedAt:       st.startedAt,
			LastOutput:      st.lastOutput,
		}
		for c := range st.blacklist {
			status.Blacklist = append(status.Blacklist, c)
		}
		sort.Slice(status.Blacklist, func(i, j int) bool { return status.Blacklist[i] < status.Blacklist[j] })
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every stream and rejects further Acquire calls.
func (s *StreamSupervisor) Close() {
	s.mu.Lock()
	s.closed = true
	var fx sideEffects
	for _, st := range s.byID {
		fx.merge(s.stopLocked(st, "shutdown"))
	}
	s.mu.Unlock()
	fx.run()
}
