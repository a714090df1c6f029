package bus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/wearsync/wearsync/internal/model"
)

func stateEvent(device string, n int) model.ConnectionStateChanged {
	return model.ConnectionStateChanged{
		DeviceID: device,
		Old:      model.StateDisconnected,
		New:      model.StateConnecting,
		At:       time.Unix(int64(n), 0),
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New(slog.Default())
	sub := b.Subscribe(8)
	defer sub.Cancel()

	b.Publish(stateEvent("d1", 1))
	b.Publish(model.SampleIngested{Sample: model.HealthDataSample{DeviceID: "d1", Kind: model.KindSteps}})

	ev1 := <-sub.C
	if ev1.EventDeviceID() != "d1" {
		t.Errorf("event device = %q", ev1.EventDeviceID())
	}
	if _, ok := ev1.(model.ConnectionStateChanged); !ok {
		t.Errorf("first event type = %T", ev1)
	}
	ev2 := <-sub.C
	if _, ok := ev2.(model.SampleIngested); !ok {
		t.Errorf("second event type = %T", ev2)
	}
}

func TestPerDeviceOrdering(t *testing.T) {
	b := New(slog.Default())
	sub := b.Subscribe(128)
	defer sub.Cancel()

	for i := 0; i < 100; i++ {
		b.Publish(stateEvent("d1", i))
	}

	for i := 0; i < 100; i++ {
		ev := (<-sub.C).(model.ConnectionStateChanged)
		if !ev.At.Equal(time.Unix(int64(i), 0)) {
			t.Fatalf("event %d out of order: %s", i, ev.At)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(slog.Default())
	sub := b.Subscribe(2)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(stateEvent("d1", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if b.Dropped() != 8 {
		t.Errorf("dropped = %d, want 8", b.Dropped())
	}
	// The first two events made it through.
	ev := (<-sub.C).(model.ConnectionStateChanged)
	if !ev.At.Equal(time.Unix(0, 0)) {
		t.Errorf("first buffered event = %s", ev.At)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(slog.Default())
	sub := b.Subscribe(1)
	sub.Cancel()
	sub.Cancel() // idempotent

	if _, open := <-sub.C; open {
		t.Error("channel still open after Cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(stateEvent("d1", 0))
}

func TestCloseCancelsAll(t *testing.T) {
	b := New(slog.Default())
	s1 := b.Subscribe(1)
	s2 := b.Subscribe(1)
	b.Close()

	if _, open := <-s1.C; open {
		t.Error("s1 still open after Close")
	}
	if _, open := <-s2.C; open {
		t.Error("s2 still open after Close")
	}
}
