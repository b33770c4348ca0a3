package feed

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenebrinet/internal/event"
)

func attackN(n int) *event.Attack {
	return &event.Attack{
		ID:          "attack-" + strconv.Itoa(n),
		Fingerprint: "fp-" + strconv.Itoa(n),
		SourceIP:    "203.0.113.5",
		Service:     event.ServiceShell,
		Category:    event.CategoryBruteForce,
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t), 16)
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < 5; i++ {
		b.Publish(attackN(i))
	}

	for i := 0; i < 5; i++ {
		got := <-sub.C()
		assert.Equal(t, "attack-"+strconv.Itoa(i), got.ID)
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}

func TestSlowSubscriberLosesOldestOnly(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t), 4)
	defer b.Close()

	sub := b.Subscribe()
	// Nobody reads; 10 publishes into a buffer of 4.
	for i := 0; i < 10; i++ {
		b.Publish(attackN(i))
	}

	assert.Equal(t, uint64(6), sub.Dropped())
	assert.Equal(t, uint64(6), b.Dropped())

	// The survivors are the newest four, still in publish order.
	for i := 6; i < 10; i++ {
		got := <-sub.C()
		assert.Equal(t, "attack-"+strconv.Itoa(i), got.ID)
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t), 4)
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()
	require.Equal(t, 2, b.Subscribers())

	done := make(chan int)
	go func() {
		n := 0
		for range fast.C() {
			n++
			if n == 10 {
				break
			}
		}
		done <- n
	}()

	for i := 0; i < 10; i++ {
		b.Publish(attackN(i))
	}

	assert.Equal(t, 10, <-done, "fast subscriber sees everything")
	assert.Greater(t, slow.Dropped(), uint64(0), "slow subscriber pays alone")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t), 4)
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())

	// Publishing after unsubscribe neither panics nor delivers.
	b.Publish(attackN(0))
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t), 4)
	sub := b.Subscribe()

	b.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publish after close is a no-op.
	b.Publish(attackN(1))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t), 32)
	defer b.Close()

	subs := make([]*Subscriber, 4)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(attackN(j))
			}
		}()
	}
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				<-sub.C()
			}
			sub.Close()
		}(sub)
	}
	wg.Wait()

	assert.Equal(t, uint64(400), b.Published())
}
