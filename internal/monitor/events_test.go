package monitor

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"keenetic-vpn/internal/reconcile"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceOnline, func(e Event) {
		received = e
	})

	eb.Publish(EventDeviceOnline, "test")

	if received.Type != EventDeviceOnline {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceOnline)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceOnline, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceOffline})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAllAndUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDevicesUpdated})
	eb.Emit(Event{Type: EventPolicyChanged})
	unsub()
	eb.Emit(Event{Type: EventSettingsChanged})

	if count.Load() != 2 {
		t.Errorf("onAll called %d times, want 2", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventPollError, func(e Event) {
		count.Add(1)
	})
	eb.Emit(Event{Type: EventPollError})
	unsub()
	eb.Emit(Event{Type: EventPollError})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventDeviceOffline, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventDeviceOffline, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceOffline})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventDevicesUpdated})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var order []string

	eb.OnAll(func(Event) { order = append(order, "all-1") })
	eb.On(EventPolicyChanged, func(Event) { order = append(order, "policy") })
	eb.OnAll(func(Event) { order = append(order, "all-2") })

	eb.policyChanged("aa", "Policy0")

	want := []string{"all-1", "policy", "all-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestPresenceChangedPicksType(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got []Event
	eb.OnAll(func(e Event) { got = append(got, e) })

	v := reconcile.View{Device: reconcile.Device{MAC: "AA:00:00:00:00:01"}, DisplayOnline: true}
	eb.presenceChanged(v)
	v.DisplayOnline = false
	eb.presenceChanged(v)

	if len(got) != 2 || got[0].Type != EventDeviceOnline || got[1].Type != EventDeviceOffline {
		t.Fatalf("events = %+v", got)
	}
	if d, ok := got[1].Device(); !ok || d.MAC != "AA:00:00:00:00:01" || d.DisplayOnline {
		t.Errorf("Device() = %+v, %v", d, ok)
	}
}

func TestEventAccessors(t *testing.T) {
	views := []reconcile.View{{Device: reconcile.Device{MAC: "AA:00:00:00:00:01"}}}
	update := Event{Type: EventDevicesUpdated, Data: views}
	if got, ok := update.Views(); !ok || len(got) != 1 {
		t.Errorf("Views() = %v, %v", got, ok)
	}
	if _, ok := update.Device(); ok {
		t.Error("Device() accepted a devices_updated event")
	}
	if _, ok := update.PolicyChange(); ok {
		t.Error("PolicyChange() accepted a snapshot")
	}

	change := Event{Type: EventPolicyChanged, Data: PolicyChange{MAC: "aa", Policy: "Policy1"}}
	if c, ok := change.PolicyChange(); !ok || c.Policy != "Policy1" {
		t.Errorf("PolicyChange() = %+v, %v", c, ok)
	}
}
