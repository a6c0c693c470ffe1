package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
)

var (
	errFakeKilled = errors.New("killed")
	errSendFailed = errors.New("send buffer full")
)

type fakeProcess struct {
	onChunk func([]byte)

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	err    error
	killed bool
}

func newFakeProcess(onChunk func([]byte)) *fakeProcess {
	return &fakeProcess{onChunk: onChunk, done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errFakeKilled)
}

func (p *fakeProcess) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) Emit(chunk []byte) { p.onChunk(chunk) }

type fakeTranscoder struct {
	unavailable bool

	mu      sync.Mutex
	procs   []*fakeProcess
	specs   []ports.TranscodeSpec
	onStart func(n int, p *fakeProcess)
}

func (t *fakeTranscoder) Available() bool { return !t.unavailable }

func (t *fakeTranscoder) Start(_ context.Context, spec ports.TranscodeSpec, onChunk func([]byte)) (ports.Process, error) {
	p := newFakeProcess(onChunk)
	t.mu.Lock()
	n := len(t.procs)
	t.procs = append(t.procs, p)
	t.specs = append(t.specs, spec)
	hook := t.onStart
	t.mu.Unlock()
	if hook != nil {
		hook(n, p)
	}
	return p, nil
}

func (t *fakeTranscoder) setOnStart(fn func(n int, p *fakeProcess)) {
	t.mu.Lock()
	t.onStart = fn
	t.mu.Unlock()
}

func (t *fakeTranscoder) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

func (t *fakeTranscoder) Proc(i int) *fakeProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[i]
}

func (t *fakeTranscoder) Spec(i int) ports.TranscodeSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.specs[i]
}

// fakeNegotiator hands out the first container not listed in failing.
type fakeNegotiator struct {
	block chan struct{}

	mu      sync.Mutex
	failing map[domain.Container]bool
	calls   [][]domain.Container
	pingErr error
	pings   int
	tokens  int
}

func (n *fakeNegotiator) NegotiateStream(ctx context.Context, channel string, containers []domain.Container) (domain.StreamInfo, error) {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return domain.StreamInfo{}, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, append([]domain.Container(nil), containers...))
	unavailable := &domain.StreamUnavailableError{Channel: channel}
	for _, c := range containers {
		if n.failing[c] {
			unavailable.Details = append(unavailable.Details, string(c)+": refused")
			continue
		}
		n.tokens++
		return domain.StreamInfo{
			URL:       "http://vms.local:555/" + channel + "." + string(c),
			Container: c,
			Token:     "token-" + string(rune('a'+n.tokens)),
		}, nil
	}
	return domain.StreamInfo{}, unavailable
}

func (n *fakeNegotiator) PingToken(context.Context, domain.StreamInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pings++
	return n.pingErr
}

func (n *fakeNegotiator) setPingErr(err error) {
	n.mu.Lock()
	n.pingErr = err
	n.mu.Unlock()
}

func (n *fakeNegotiator) fail(c domain.Container) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failing == nil {
		n.failing = make(map[domain.Container]bool)
	}
	n.failing[c] = true
}

func (n *fakeNegotiator) Calls() [][]domain.Container {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]domain.Container(nil), n.calls...)
}

type fakeMember struct {
	id string

	mu       sync.Mutex
	failures []error
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) OnStreamFailed(_ string, err error) {
	m.mu.Lock()
	m.failures = append(m.failures, err)
	m.mu.Unlock()
}

func (m *fakeMember) Failures() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.failures...)
}

type fakeSink struct {
	id      string
	sendErr error

	mu     sync.Mutex
	data   [][]byte
	closed bool
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Send(data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, data)
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.data...)
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.StreamEvent
}

func (p *fakePublisher) PublishStreamEvent(e domain.StreamEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *fakePublisher) Types() []domain.StreamEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.StreamEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeConn struct {
	id string
	// posFailures rejects that many pos-events sends before accepting.
	posFailures int

	mu     sync.Mutex
	json   []interface{}
	binary [][]byte
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := v.(domain.PosEventsMessage); ok && c.posFailures > 0 {
		c.posFailures--
		return errSendFailed
	}
	c.json = append(c.json, v)
	return nil
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, data)
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Messages() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.json...)
}

func (c *fakeConn) Binary() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

func (c *fakeConn) streamAcks() []domain.StreamMessage {
	var out []domain.StreamMessage
	for _, m := range c.Messages() {
		if ack, ok := m.(domain.StreamMessage); ok {
			out = append(out, ack)
		}
	}
	return out
}

func (c *fakeConn) errorMessages() []domain.ErrorMessage {
	var out []domain.ErrorMessage
	for _, m := range c.Messages() {
		if e, ok := m.(domain.ErrorMessage); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) posBatches() [][]domain.PosEvent {
	var out [][]domain.PosEvent
	for _, m := range c.Messages() {
		if e, ok := m.(domain.PosEventsMessage); ok {
			out = append(out, e.Data)
		}
	}
	return out
}

// fakeRegistry stands in for the supervisor in connection tests.
type fakeRegistry struct {
	mu       sync.Mutex
	errs     map[string]error
	members  map[string]ports.StreamMember
	acquired []string
	released []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{errs: make(map[string]error), members: make(map[string]ports.StreamMember)}
}

func (r *fakeRegistry) failWith(guid string, err error) {
	r.mu.Lock()
	r.errs[guid] = err
	r.mu.Unlock()
}

func (r *fakeRegistry) Acquire(_ context.Context, channel string, member ports.StreamMember) (domain.StreamHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired = append(r.acquired, channel)
	if err := r.errs[channel]; err != nil {
		return domain.StreamHandle{}, err
	}
	r.members[member.ID()] = member
	return domain.StreamHandle{ID: channel + "-stream", Channel: channel, Container: domain.ContainerFLV}, nil
}

func (r *fakeRegistry) Release(memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, memberID)
	delete(r.members, memberID)
}

func (r *fakeRegistry) AttachSink(string, ports.FrameSink) error { return nil }
func (r *fakeRegistry) DetachSink(string, string)                {}
func (r *fakeRegistry) Snapshot() []domain.StreamStatus          { return nil }

func (r *fakeRegistry) Acquired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acquired...)
}

func (r *fakeRegistry) Released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

func (r *fakeRegistry) member(id string) ports.StreamMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[id]
}

type fakeScreens struct {
	img   []byte
	block chan struct{}
	calls int32
}

func (s *fakeScreens) Screenshot(ctx context.Context, _ string) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.img, nil
}

func (s *fakeScreens) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

type fakeDirectory struct {
	mu            sync.Mutex
	channels      []domain.Channel
	terminals     []domain.PosTerminal
	channelLoads  int
	terminalLoads int
	channelsErr   error
}

func (d *fakeDirectory) Channels(context.Context) ([]domain.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channelLoads++
	if d.channelsErr != nil {
		return nil, d.channelsErr
	}
	return append([]domain.Channel(nil), d.channels...), nil
}

func (d *fakeDirectory) PosTerminals(context.Context) ([]domain.PosTerminal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminalLoads++
	return append([]domain.PosTerminal(nil), d.terminals...), nil
}

func (d *fakeDirectory) setTerminals(ts []domain.PosTerminal) {
	d.mu.Lock()
	d.terminals = ts
	d.mu.Unlock()
}

func (d *fakeDirectory) loads() (channels, terminals int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelLoads, d.terminalLoads
}

// fakePosSource returns one scripted batch per poll, then empty feeds.
type fakePosSource struct {
	mu        sync.Mutex
	batches   [][]domain.PosEvent
	terminals []string
}

func (s *fakePosSource) PosEvents(_ context.Context, terminal string) ([]domain.PosEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = append(s.terminals, terminal)
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakePosSource) Terminals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terminals...)
}

func posEvent(ts int64) domain.PosEvent {
	return domain.PosEvent{
		Raw:          map[string]interface{}{"event_timestamp": ts},
		Timestamp:    ts,
		HasTimestamp: true,
	}
}

func timestamps(events []domain.PosEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Timestamp)
	}
	return out
}
