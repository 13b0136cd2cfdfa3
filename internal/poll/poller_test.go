package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/poll/mocks"
	"github.com/mtaverner/toolgate/internal/status"
)

// fakeClock advances instantly: Now returns the accumulated virtual time and
// After fires immediately while recording the requested interval.
type fakeClock struct {
	now       time.Time
	intervals []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.intervals = append(c.intervals, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func snapshot(s execution.Status) status.Snapshot {
	return status.Snapshot{ID: "e1", ToolName: "rotate", Status: s}
}

func TestWaitReturnsOnTerminalStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	gomock.InOrder(
		reader.EXPECT().GetStatus(gomock.Any(), "e1").Return(snapshot(execution.StatusPending), nil),
		reader.EXPECT().GetStatus(gomock.Any(), "e1").Return(snapshot(execution.StatusProcessing), nil),
		reader.EXPECT().GetStatus(gomock.Any(), "e1").Return(snapshot(execution.StatusCompleted), nil),
	)

	p := NewWithClock(reader, DefaultConfig(), newFakeClock())
	snap, err := p.Wait(context.Background(), "e1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, snap.Status)
}

func TestWaitBackoffSchedule(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	gomock.InOrder(
		reader.EXPECT().GetStatus(gomock.Any(), "e1").
			Return(snapshot(execution.StatusProcessing), nil).Times(6),
		reader.EXPECT().GetStatus(gomock.Any(), "e1").
			Return(snapshot(execution.StatusFailed), nil),
	)

	clock := newFakeClock()
	p := NewWithClock(reader, DefaultConfig(), clock)

	snap, err := p.Wait(context.Background(), "e1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, snap.Status)

	// 2s, then x1.2 each poll, capped at 5s.
	want := []time.Duration{
		2 * time.Second,
		2400 * time.Millisecond,
		2880 * time.Millisecond,
		3456 * time.Millisecond,
		4147200 * time.Microsecond,
		4976640 * time.Microsecond,
	}
	assert.Equal(t, want, clock.intervals)
}

func TestWaitIntervalCaps(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	reader.EXPECT().GetStatus(gomock.Any(), "e1").
		Return(snapshot(execution.StatusProcessing), nil).Times(10)
	reader.EXPECT().GetStatus(gomock.Any(), "e1").
		Return(snapshot(execution.StatusCompleted), nil)

	clock := newFakeClock()
	p := NewWithClock(reader, DefaultConfig(), clock)

	_, err := p.Wait(context.Background(), "e1")
	assert.NoError(t, err)

	last := clock.intervals[len(clock.intervals)-1]
	assert.Equal(t, 5*time.Second, last)
}

func TestWaitBudgetExpiry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	reader.EXPECT().GetStatus(gomock.Any(), "e1").
		Return(snapshot(execution.StatusProcessing), nil).AnyTimes()

	cfg := DefaultConfig()
	cfg.MaxDuration = 10 * time.Second
	clock := newFakeClock()
	p := NewWithClock(reader, cfg, clock)

	_, err := p.Wait(context.Background(), "e1")
	assert.ErrorIs(t, err, ErrClientTimeout)

	// The poller never sleeps past the budget.
	var total time.Duration
	for _, d := range clock.intervals {
		total += d
	}
	assert.LessOrEqual(t, total, cfg.MaxDuration)
}

func TestWaitNotFoundAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	reader.EXPECT().GetStatus(gomock.Any(), "gone").Return(status.Snapshot{}, execution.ErrNotFound)

	p := NewWithClock(reader, DefaultConfig(), newFakeClock())
	_, err := p.Wait(context.Background(), "gone")
	assert.ErrorIs(t, err, execution.ErrNotFound)
}

func TestWaitTransientErrorsContinue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	gomock.InOrder(
		reader.EXPECT().GetStatus(gomock.Any(), "e1").Return(status.Snapshot{}, errors.New("connection refused")),
		reader.EXPECT().GetStatus(gomock.Any(), "e1").Return(snapshot(execution.StatusCompleted), nil),
	)

	p := NewWithClock(reader, DefaultConfig(), newFakeClock())
	snap, err := p.Wait(context.Background(), "e1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, snap.Status)
}

func TestWaitContextCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mocks.NewMockStatusReader(ctrl)
	reader.EXPECT().GetStatus(gomock.Any(), "e1").
		Return(snapshot(execution.StatusProcessing), nil).AnyTimes()

	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Now()).AnyTimes()
	// Never fires; cancellation must win the select.
	clock.EXPECT().After(gomock.Any()).Return(make(chan time.Time)).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := NewWithClock(reader, DefaultConfig(), clock)
	_, err := p.Wait(ctx, "e1")
	assert.ErrorIs(t, err, context.Canceled)
}
