package eventbus_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/eventbus"
	"github.com/stretchr/testify/require"
)

func taskEvent(kind core.EventKind, taskID string) core.TaskEvent {
	return core.TaskEvent{EventKind: kind, At: time.Now(), SourceID: "test", TaskID: taskID}
}

func TestDeliveryInPublishOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := eventbus.New(ctx)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	bus.Subscribe("order", func(_ context.Context, event core.Event) {
		mu.Lock()
		got = append(got, event.(core.TaskEvent).TaskID)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		bus.Publish(taskEvent(core.EventTaskCompleted, strconv.Itoa(i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		prev, _ := strconv.Atoi(got[i-1])
		next, _ := strconv.Atoi(got[i])
		require.Less(t, prev, next, "events out of order")
	}
}

func TestKindFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := eventbus.New(ctx)
	defer bus.Close()

	var completed atomic.Int64
	bus.Subscribe("filter", func(_ context.Context, event core.Event) {
		completed.Add(1)
	}, core.EventTaskCompleted)

	bus.Publish(taskEvent(core.EventTaskCompleted, "a"))
	bus.Publish(taskEvent(core.EventTaskFailed, "b"))
	bus.Publish(taskEvent(core.EventTaskCompleted, "c"))

	require.Eventually(t, func() bool {
		return completed.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := eventbus.New(ctx)
	defer bus.Close()

	var count atomic.Int64
	unsub := bus.Subscribe("once", func(_ context.Context, _ core.Event) {
		count.Add(1)
	})

	bus.Publish(taskEvent(core.EventTaskCompleted, "a"))
	require.Eventually(t, func() bool { return count.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	unsub()
	bus.Publish(taskEvent(core.EventTaskCompleted, "b"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), count.Load())
}

func TestPublishDuringSubscriberChurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := eventbus.New(ctx, eventbus.WithInboxSize(1))

	// Publishers hammer the bus while subscriptions come and go. A publisher
	// must never observe a closed inbox, which would panic its goroutine.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(taskEvent(core.EventTaskCompleted, "x"))
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		unsub := bus.Subscribe("churn-"+strconv.Itoa(i), func(_ context.Context, _ core.Event) {})
		unsub()
	}

	close(stop)
	wg.Wait()
	bus.Close()
}

func TestSlowSubscriberDropsAndCounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := eventbus.New(ctx, eventbus.WithInboxSize(1))

	block := make(chan struct{})
	bus.Subscribe("slow", func(_ context.Context, _ core.Event) {
		<-block
	}, core.EventTaskCompleted)

	// First event occupies the handler, second fills the inbox, the rest drop.
	for i := 0; i < 10; i++ {
		bus.Publish(taskEvent(core.EventTaskCompleted, "x"))
	}

	require.Eventually(t, func() bool {
		return bus.Dropped() > 0
	}, 2*time.Second, 10*time.Millisecond)

	close(block)
	bus.Close()
}
