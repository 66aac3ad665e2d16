package notify

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherDeliversWritingsChanged(testContext *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.WritingsChanged()

	for index, stream := range []<-chan Event{first, second} {
		select {
		case event := <-stream:
			if event.Type != EventWritingsChanged {
				testContext.Fatalf("subscriber %d: expected %s, got %s", index, EventWritingsChanged, event.Type)
			}
			if event.Timestamp.IsZero() {
				testContext.Fatalf("subscriber %d: expected timestamp to be stamped", index)
			}
		case <-time.After(500 * time.Millisecond):
			testContext.Fatalf("subscriber %d: expected event within deadline", index)
		}
	}
}

func TestDispatcherPublishDoesNotBlockOnFullBuffer(testContext *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < defaultBufferSize*4; index++ {
			dispatcher.WritingsChanged()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		testContext.Fatal("publish blocked on a slow subscriber")
	}
	if len(stream) != defaultBufferSize {
		testContext.Fatalf("expected buffer to hold %d events, got %d", defaultBufferSize, len(stream))
	}
}

func TestDispatcherUnsubscribesOnCancel(testContext *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx)
	if dispatcher.subscriberCount() != 1 {
		testContext.Fatalf("expected one subscriber, got %d", dispatcher.subscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount() != 0 {
		if time.Now().After(deadline) {
			testContext.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherIgnoresUntypedEvents(testContext *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Event{})

	select {
	case event := <-stream:
		testContext.Fatalf("did not expect event, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
