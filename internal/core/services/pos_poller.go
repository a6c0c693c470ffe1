package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"

	"go.uber.org/zap"
)

// PosParams are the options of a subscribe-pos-events request.
type PosParams struct {
	Terminal string
	Channel  string
	// Interval overrides the configured poll interval when positive.
	Interval time.Duration
	// Since is the initial high-water mark when HasSince is set.
	Since    int64
	HasSince bool
}

// PosSubscription binds a poll loop to its consumer.
type PosSubscription struct {
	Params PosParams
	// Deliver receives every non-empty batch in ascending timestamp order.
	// When it fails the mark stays put and the events are offered again.
	Deliver func(events []domain.PosEvent) error
	// AttachVideo is called once with the bound channel, if any.
	AttachVideo func(ctx context.Context, channel string)
}

// PosPollState is one running POS subscription.
type PosPollState struct {
	cancel context.CancelFunc
	done   chan struct{}

	interval time.Duration

	mu       sync.Mutex
	mark     int64
	channel  string
	terminal string
}

// Stop cancels the loop and waits for it to exit.
func (s *PosPollState) Stop() {
	s.cancel()
	<-s.done
}

// Mark returns the current high-water mark.
func (s *PosPollState) Mark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark
}

// Binding returns the channel and terminal the loop polls for.
func (s *PosPollState) Binding() (channel, terminal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.terminal
}

func (s *PosPollState) Interval() time.Duration { return s.interval }

// PosPoller runs one polling loop per subscribing connection.
type PosPoller struct {
	source      ports.PosEventSource
	resolver    *PosResolver
	interval    time.Duration
	minInterval time.Duration
	metrics     ports.GatewayMetrics
	logger      *zap.SugaredLogger
}

func NewPosPoller(
	source ports.PosEventSource,
	resolver *PosResolver,
	interval, minInterval time.Duration,
	metrics ports.GatewayMetrics,
	logger *zap.SugaredLogger,
) *PosPoller {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &PosPoller{
		source:      source,
		resolver:    resolver,
		interval:    interval,
		minInterval: minInterval,
		metrics:     metrics,
		logger:      logger,
	}
}

// Start launches the loop. The first poll runs immediately; each following
// one is scheduled only after the previous fetch returned.
func (p *PosPoller) Start(ctx context.Context, sub PosSubscription) *PosPollState {
	interval := p.interval
	if sub.Params.Interval > 0 {
		interval = sub.Params.Interval
	}
	if interval < p.minInterval {
		interval = p.minInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	st := &PosPollState{
		cancel:   cancel,
		done:     make(chan struct{}),
		interval: interval,
		channel:  sub.Params.Channel,
		terminal: sub.Params.Terminal,
	}
	if sub.Params.HasSince {
		st.mark = sub.Params.Since
	}

	go p.run(loopCtx, st, sub)
	return st
}

func (p *PosPoller) run(ctx context.Context, st *PosPollState, sub PosSubscription) {
	defer close(st.done)

	p.bind(ctx, st)
	if channel, _ := st.Binding(); channel != "" && sub.AttachVideo != nil && ctx.Err() == nil {
		sub.AttachVideo(ctx, channel)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.poll(ctx, st, sub)
			timer.Reset(st.interval)
		}
	}
}

// bind fills in whichever side of the terminal/channel pair the client left out.
func (p *PosPoller) bind(ctx context.Context, st *PosPollState) {
	channel, terminal := st.Binding()
	switch {
	case terminal != "" && channel == "":
		if guid, ok := p.resolver.ResolveTerminalChannel(ctx, terminal); ok {
			channel = guid
		} else {
			p.logger.Infow("pos terminal has no linked channel", "terminal", terminal)
		}
	case channel != "" && terminal == "":
		if t, ok := p.resolver.ResolveChannelTerminal(ctx, channel); ok {
			terminal = t
		} else {
			p.logger.Infow("channel has no linked pos terminal, delivering all events", "guid", channel)
		}
	}

	st.mu.Lock()
	st.channel, st.terminal = channel, terminal
	st.mu.Unlock()
}

func (p *PosPoller) poll(ctx context.Context, st *PosPollState, sub PosSubscription) {
	_, terminal := st.Binding()
	events, err := p.source.PosEvents(ctx, terminal)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warnw("pos events poll failed", "terminal", terminal, "error", err)
		}
		return
	}

	st.mu.Lock()
	batch, mark := SelectNewEvents(events, st.mark)
	st.mu.Unlock()

	if len(batch) == 0 || ctx.Err() != nil {
		return
	}
	if err := sub.Deliver(batch); err != nil {
		p.logger.Debugw("pos batch not delivered, will retry", "terminal", terminal, "events", len(batch), "error", err)
		return
	}

	st.mu.Lock()
	if mark > st.mark {
		st.mark = mark
	}
	st.mu.Unlock()
	p.metrics.PosEventsDelivered(len(batch))
}

// SelectNewEvents keeps events newer than mark plus those without a usable
// timestamp. Untimed events come first in feed order, the rest ascend by
// timestamp. The returned mark is the greatest timestamp seen, never lower
// than mark.
func SelectNewEvents(events []domain.PosEvent, mark int64) ([]domain.PosEvent, int64) {
	var untimed, timed []domain.PosEvent
	for _, e := range events {
		switch {
		case !e.HasTimestamp:
			untimed = append(untimed, e)
		case e.Timestamp > mark:
			timed = append(timed, e)
		}
	}
	sort.SliceStable(timed, func(i, j int) bool { return timed[i].Timestamp < timed[j].Timestamp })

	newMark := mark
	if n := len(timed); n > 0 {
		newMark = timed[n-1].Timestamp
	}
	return append(untimed, timed...), newMark
}
