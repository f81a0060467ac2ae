package state

import (
	"testing"
	"time"
)

func TestEventBusDelivers(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(Event{Type: EventPushStatus, Data: true})

	select {
	case evt := <-ch:
		if evt.Type != EventPushStatus {
			t.Errorf("Type = %q, want %q", evt.Type, EventPushStatus)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventPushStatus})
	bus.Publish(Event{Type: EventPushStatus}) // must not block

	if got := len(ch); got != 1 {
		t.Errorf("len(ch) = %d, want 1", got)
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(1)

	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	bus.Publish(Event{Type: EventPushStatus}) // no panic on closed subscriber
}

func TestTableEventsInMutationOrder(t *testing.T) {
	bus := NewEventBus(testLogger())
	tbl := NewTable(bus, 0, testLogger())
	tbl.Reconcile([]Device{{ID: "d", SwitchCount: 1}}, true)

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	for i, on := range []bool{true, false, true} {
		if _, err := tbl.ApplyPush("d", 0, on, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("ApplyPush() error = %v", err)
		}
	}

	for _, want := range []bool{true, false, true} {
		evt := <-ch
		snap, ok := evt.Data.(Snapshot)
		if !ok {
			t.Fatalf("Data = %T, want Snapshot", evt.Data)
		}
		if snap.Switches[0].On != want {
			t.Errorf("event switch = %v, want %v", snap.Switches[0].On, want)
		}
	}
}
