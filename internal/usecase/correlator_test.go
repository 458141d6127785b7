package usecase

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
)

func newTestCorrelator() *Correlator {
	return NewCorrelator(slog.Default())
}

func replyFor(botID, target, correlationID string) *domain.Event {
	ev := domain.NewEvent(botID, domain.ChannelAPI, target, domain.DirectionOutgoing,
		domain.Payload{Text: "reply", Type: domain.PayloadTypeText})
	ev.CorrelationID = correlationID
	return ev
}

func TestResolveDeliversToWaiter(t *testing.T) {
	c := newTestCorrelator()

	w := c.Register("b1", "u1", "ev-1", time.Second)
	reply := replyFor("b1", "u1", "ev-1")
	require.True(t, c.Resolve(reply))

	got, err := c.Wait(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, got.ID)
	assert.Equal(t, 0, c.PendingCount("b1", "u1"))
}

func TestWaitTimesOut(t *testing.T) {
	c := newTestCorrelator()

	w := c.Register("b1", "u1", "ev-1", 20*time.Millisecond)
	_, err := c.Wait(context.Background(), w)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	// The waiter was actively removed, not left to rot.
	assert.Equal(t, 0, c.PendingCount("b1", "u1"))
}

func TestLateReplyAfterTimeoutFindsNoWaiter(t *testing.T) {
	c := newTestCorrelator()

	w := c.Register("b1", "u1", "ev-1", 20*time.Millisecond)
	_, err := c.Wait(context.Background(), w)
	require.ErrorIs(t, err, domain.ErrTimeout)

	assert.False(t, c.Resolve(replyFor("b1", "u1", "ev-1")))
}

func TestWaiterResolvesAtMostOnce(t *testing.T) {
	c := newTestCorrelator()

	c.Register("b1", "u1", "ev-1", time.Second)
	assert.True(t, c.Resolve(replyFor("b1", "u1", "ev-1")))
	assert.False(t, c.Resolve(replyFor("b1", "u1", "ev-1")))
}

func TestCorrelationIDPinsWaiter(t *testing.T) {
	c := newTestCorrelator()

	w1 := c.Register("b1", "u1", "ev-1", time.Second)
	w2 := c.Register("b1", "u1", "ev-2", time.Second)

	// Reply correlated to the second request skips the older waiter.
	require.True(t, c.Resolve(replyFor("b1", "u1", "ev-2")))
	got, err := c.Wait(context.Background(), w2)
	require.NoError(t, err)
	assert.Equal(t, "ev-2", got.CorrelationID)

	require.True(t, c.Resolve(replyFor("b1", "u1", "ev-1")))
	_, err = c.Wait(context.Background(), w1)
	assert.NoError(t, err)
}

func TestUncorrelatedReplyResolvesOldestWaiter(t *testing.T) {
	c := newTestCorrelator()

	w1 := c.Register("b1", "u1", "ev-1", time.Second)
	c.Register("b1", "u1", "ev-2", time.Second)

	require.True(t, c.Resolve(replyFor("b1", "u1", "")))
	got, err := c.Wait(context.Background(), w1)
	require.NoError(t, err)
	assert.Equal(t, "reply", got.Payload.Text)
	assert.Equal(t, 1, c.PendingCount("b1", "u1"))
}

func TestDistinctConversationsDoNotCrossResolve(t *testing.T) {
	c := newTestCorrelator()

	c.Register("b1", "u1", "ev-1", time.Second)

	assert.False(t, c.Resolve(replyFor("b1", "u2", "")))
	assert.False(t, c.Resolve(replyFor("b2", "u1", "")))
	assert.Equal(t, 1, c.PendingCount("b1", "u1"))
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	c := newTestCorrelator()

	w := c.Register("b1", "u1", "ev-1", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Wait(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount("b1", "u1"))
}

func TestConcurrentResolversDeliverEachReplyOnce(t *testing.T) {
	c := newTestCorrelator()

	const n = 20
	waiters := make([]*Waiter, n)
	for i := 0; i < n; i++ {
		waiters[i] = c.Register("b1", "u1", "", time.Second)
	}

	var resolved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Resolve(replyFor("b1", "u1", "")) {
				resolved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), resolved.Load())
	for _, w := range waiters {
		_, err := c.Wait(context.Background(), w)
		assert.NoError(t, err)
	}
}

func TestResolveRacingRegisterDeliversReply(t *testing.T) {
	c := newTestCorrelator()

	// Slow down timer creation so a concurrent uncorrelated reply hits
	// Resolve while Register is still inserting the waiter. The reply must
	// either miss the waiter or deliver it; never leave the caller hanging.
	registering := make(chan struct{})
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		close(registering)
		time.Sleep(20 * time.Millisecond)
		return time.AfterFunc(d, f)
	}

	reply := replyFor("b1", "u1", "")
	resolved := make(chan struct{})
	go func() {
		defer close(resolved)
		<-registering
		for !c.Resolve(reply) {
			time.Sleep(time.Millisecond)
		}
	}()

	w := c.Register("b1", "u1", "ev-1", time.Second)
	<-resolved

	got, err := c.Wait(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, got.ID)
	assert.Equal(t, 0, c.PendingCount("b1", "u1"))
}

func TestRetireEmptyBuckets(t *testing.T) {
	c := newTestCorrelator()

	w := c.Register("b1", "u1", "ev-1", time.Second)
	assert.Equal(t, 0, c.RetireEmptyBuckets())

	require.True(t, c.Resolve(replyFor("b1", "u1", "ev-1")))
	_, err := c.Wait(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, 1, c.RetireEmptyBuckets())

	// A new waiter for the same conversation works after retirement.
	c.Register("b1", "u1", "ev-2", time.Second)
	assert.True(t, c.Resolve(replyFor("b1", "u1", "ev-2")))
}
