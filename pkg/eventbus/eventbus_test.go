package eventbus

import (
	"testing"
	"time"

	"github.com/jxucoder/sandboxd/pkg/model"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sb-1")

	bus.Publish(&model.Event{SandboxID: "sb-1", From: model.StateReady, To: model.StatePausing})

	select {
	case got := <-ch:
		if got.To != model.StatePausing {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
	}

	bus.Unsubscribe("sb-1", ch)
}

func TestDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sb-2")

	for i := 0; i < DefaultBuffer; i++ {
		bus.Publish(&model.Event{SandboxID: "sb-2", To: model.StateReady})
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(&model.Event{SandboxID: "sb-2", To: model.StateFailed})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full channel")
	}

	bus.Unsubscribe("sb-2", ch)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ch1 := bus.Subscribe("sb-3")
	ch2 := bus.Subscribe("sb-3")

	bus.Publish(&model.Event{SandboxID: "sb-3", To: model.StateTerminated})

	for _, ch := range []<-chan *model.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.To != model.StateTerminated {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("subscriber did not receive event")
		}
	}

	bus.Unsubscribe("sb-3", ch1)
	bus.Unsubscribe("sb-3", ch2)
}

func TestPublishToOtherSandbox(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sb-4")

	bus.Publish(&model.Event{SandboxID: "sb-other", To: model.StateReady})

	select {
	case <-ch:
		t.Fatal("received event for a different sandbox")
	case <-time.After(100 * time.Millisecond):
	}

	bus.Unsubscribe("sb-4", ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sb-5")

	bus.Unsubscribe("sb-5", ch)
	bus.Unsubscribe("sb-5", ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
