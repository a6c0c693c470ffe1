package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"vmsgate/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type batchCollector struct {
	mu      sync.Mutex
	batches [][]domain.PosEvent
	// failures is the number of deliveries to reject before accepting.
	failures int
}

func (c *batchCollector) deliver(events []domain.PosEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errSendFailed
	}
	c.batches = append(c.batches, events)
	return nil
}

func (c *batchCollector) get() [][]domain.PosEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]domain.PosEvent(nil), c.batches...)
}

func newTestPoller(source *fakePosSource, dir *fakeDirectory) *PosPoller {
	if dir == nil {
		dir = &fakeDirectory{}
	}
	return NewPosPoller(source, newTestResolver(dir), 5*time.Millisecond, time.Millisecond, nil, zap.NewNop().Sugar())
}

func TestSelectNewEvents(t *testing.T) {
	untimed := domain.PosEvent{Raw: map[string]interface{}{"text": "drawer open"}}

	tests := []struct {
		name     string
		events   []domain.PosEvent
		mark     int64
		wantTS   []int64
		wantMark int64
	}{
		{
			name:     "sorts ascending",
			events:   []domain.PosEvent{posEvent(100), posEvent(50), posEvent(150)},
			wantTS:   []int64{50, 100, 150},
			wantMark: 150,
		},
		{
			name:     "drops events at or below mark",
			events:   []domain.PosEvent{posEvent(120), posEvent(150), posEvent(160)},
			mark:     150,
			wantTS:   []int64{160},
			wantMark: 160,
		},
		{
			name:     "nothing new keeps mark",
			events:   []domain.PosEvent{posEvent(10)},
			mark:     150,
			wantTS:   []int64{},
			wantMark: 150,
		},
		{
			name:     "untimed events lead",
			events:   []domain.PosEvent{posEvent(200), untimed},
			mark:     150,
			wantTS:   []int64{0, 200},
			wantMark: 200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mark := SelectNewEvents(tt.events, tt.mark)
			assert.Equal(t, tt.wantTS, timestamps(got))
			assert.Equal(t, tt.wantMark, mark)
		})
	}
}

func TestPosPoller_DeliversOnlyNewEventsInOrder(t *testing.T) {
	source := &fakePosSource{batches: [][]domain.PosEvent{
		{posEvent(100), posEvent(50), posEvent(150)},
		{posEvent(120), posEvent(160)},
	}}
	var got batchCollector
	st := newTestPoller(source, nil).Start(context.Background(), PosSubscription{
		Params:  PosParams{Terminal: "T1"},
		Deliver: got.deliver,
	})
	defer st.Stop()

	require.Eventually(t, func() bool { return len(got.get()) == 2 }, waitFor, 5*time.Millisecond)
	batches := got.get()
	assert.Equal(t, []int64{50, 100, 150}, timestamps(batches[0]))
	assert.Equal(t, []int64{160}, timestamps(batches[1]))
	assert.Equal(t, int64(160), st.Mark())

	// Empty polls never reach the client.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, got.get(), 2)
}

func TestPosPoller_FailedDeliveryKeepsMark(t *testing.T) {
	source := &fakePosSource{batches: [][]domain.PosEvent{
		{posEvent(100)},
		{posEvent(100), posEvent(200)},
	}}
	got := &batchCollector{failures: 1}
	st := newTestPoller(source, nil).Start(context.Background(), PosSubscription{
		Params:  PosParams{Terminal: "T1"},
		Deliver: got.deliver,
	})
	defer st.Stop()

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []int64{100, 200}, timestamps(got.get()[0]))
	assert.Equal(t, int64(200), st.Mark())
}

func TestPosPoller_SinceSeedsMark(t *testing.T) {
	source := &fakePosSource{batches: [][]domain.PosEvent{{posEvent(100), posEvent(130)}}}
	var got batchCollector
	st := newTestPoller(source, nil).Start(context.Background(), PosSubscription{
		Params:  PosParams{Terminal: "T1", Since: 120, HasSince: true},
		Deliver: got.deliver,
	})
	defer st.Stop()

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []int64{130}, timestamps(got.get()[0]))
}

func TestPosPoller_IntervalIsClamped(t *testing.T) {
	p := NewPosPoller(&fakePosSource{}, newTestResolver(&fakeDirectory{}), time.Second, 500*time.Millisecond, nil, zap.NewNop().Sugar())
	deliver := func([]domain.PosEvent) error { return nil }

	fast := p.Start(context.Background(), PosSubscription{Params: PosParams{Interval: time.Millisecond}, Deliver: deliver})
	defer fast.Stop()
	assert.Equal(t, 500*time.Millisecond, fast.Interval())

	custom := p.Start(context.Background(), PosSubscription{Params: PosParams{Interval: 2 * time.Second}, Deliver: deliver})
	defer custom.Stop()
	assert.Equal(t, 2*time.Second, custom.Interval())

	def := p.Start(context.Background(), PosSubscription{Deliver: deliver})
	defer def.Stop()
	assert.Equal(t, time.Second, def.Interval())
}

func TestPosPoller_BindsChannelToTerminal(t *testing.T) {
	dir := &fakeDirectory{
		channels:  []domain.Channel{{GUID: "CAM-9", Name: "Checkout 9"}},
		terminals: []domain.PosTerminal{{GUID: "T1", Links: []string{"CAM-9"}}},
	}
	source := &fakePosSource{}
	attached := make(chan string, 1)
	st := newTestPoller(source, dir).Start(context.Background(), PosSubscription{
		Params:      PosParams{Channel: "CAM-9"},
		Deliver:     func([]domain.PosEvent) error { return nil },
		AttachVideo: func(_ context.Context, channel string) { attached <- channel },
	})
	defer st.Stop()

	select {
	case ch := <-attached:
		assert.Equal(t, "CAM-9", ch)
	case <-time.After(waitFor):
		t.Fatal("video was not attached")
	}
	require.Eventually(t, func() bool { return len(source.Terminals()) > 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "T1", source.Terminals()[0])
}

func TestPosPoller_UnlinkedChannelPollsWholeFeed(t *testing.T) {
	source := &fakePosSource{}
	st := newTestPoller(source, &fakeDirectory{}).Start(context.Background(), PosSubscription{
		Params:  PosParams{Channel: "CAM-4"},
		Deliver: func([]domain.PosEvent) error { return nil },
	})
	defer st.Stop()

	require.Eventually(t, func() bool { return len(source.Terminals()) > 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "", source.Terminals()[0])
	channel, terminal := st.Binding()
	assert.Equal(t, "CAM-4", channel)
	assert.Empty(t, terminal)
}

func TestPosPoller_StopEndsPolling(t *testing.T) {
	source := &fakePosSource{}
	st := newTestPoller(source, nil).Start(context.Background(), PosSubscription{
		Params:  PosParams{Terminal: "T1"},
		Deliver: func([]domain.PosEvent) error { return nil },
	})
	require.Eventually(t, func() bool { return len(source.Terminals()) > 0 }, waitFor, 5*time.Millisecond)

	st.Stop()
	polls := len(source.Terminals())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, len(source.Terminals()))
}
