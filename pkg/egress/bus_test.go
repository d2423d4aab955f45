package egress

import (
	"context"
	"testing"
	"time"
)

func TestEmitRoomScopeReachesAllSubscribers(t *testing.T) {
	bus := NewInProcessBus()
	a := bus.Subscribe("r1", "alice")
	b := bus.Subscribe("r1", "bob")
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	if err := bus.Emit(context.Background(), RoomScope("r1"), "chapter_advanced", map[string]int{"number": 2}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	for name, sub := range map[string]*Subscription{"alice": a, "bob": b} {
		select {
		case event := <-sub.Events:
			if event.Name != "chapter_advanced" {
				t.Errorf("%s received unexpected event %q", name, event.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the room-scoped event", name)
		}
	}
}

func TestEmitPlayerScopeReachesOnlyThatPlayer(t *testing.T) {
	bus := NewInProcessBus()
	a := bus.Subscribe("r1", "alice")
	b := bus.Subscribe("r1", "bob")
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	if err := bus.Emit(context.Background(), PlayerScope("r1", "alice"), "feedback_verdict", "nice work"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case <-a.Events:
	case <-time.After(time.Second):
		t.Fatal("alice did not receive the player-scoped event")
	}

	select {
	case event := <-b.Events:
		t.Fatalf("bob should not have received the player-scoped event, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitRoomExceptScopeExcludesOnePlayer(t *testing.T) {
	bus := NewInProcessBus()
	a := bus.Subscribe("r1", "alice")
	b := bus.Subscribe("r1", "bob")
	c := bus.Subscribe("r1", "carol")
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)
	defer bus.Unsubscribe(c)

	if err := bus.Emit(context.Background(), RoomExceptScope("r1", "bob"), "player_left", "bob"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	for name, sub := range map[string]*Subscription{"alice": a, "carol": c} {
		select {
		case <-sub.Events:
		case <-time.After(time.Second):
			t.Fatalf("%s should have received the room-except event", name)
		}
	}
	select {
	case event := <-b.Events:
		t.Fatalf("bob should have been excluded, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDoesNotCrossRooms(t *testing.T) {
	bus := NewInProcessBus()
	a := bus.Subscribe("r1", "alice")
	b := bus.Subscribe("r2", "bob")
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	if err := bus.Emit(context.Background(), RoomScope("r1"), "noop", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case <-a.Events:
	case <-time.After(time.Second):
		t.Fatal("alice should have received the event for her own room")
	}
	select {
	case event := <-b.Events:
		t.Fatalf("bob is in a different room and should not have received anything, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitPreservesSequenceOrderPerRoom(t *testing.T) {
	bus := NewInProcessBus()
	sub := bus.Subscribe("r1", "alice")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		if err := bus.Emit(context.Background(), RoomScope("r1"), "tick", i); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		select {
		case event := <-sub.Events:
			if event.Seq <= lastSeq {
				t.Errorf("expected strictly increasing sequence, got %d after %d", event.Seq, lastSeq)
			}
			lastSeq = event.Seq
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	bus := NewInProcessBus()
	sub := bus.Subscribe("r1", "alice")
	bus.Unsubscribe(sub)

	if err := bus.Emit(context.Background(), RoomScope("r1"), "after_unsub", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	if _, ok := <-sub.Events; ok {
		t.Error("expected Events channel to be closed after Unsubscribe")
	}
}

func TestEmitRequiresRoomID(t *testing.T) {
	bus := NewInProcessBus()
	if err := bus.Emit(context.Background(), Scope{Kind: ScopeRoom}, "x", nil); err == nil {
		t.Error("expected an error for a scope with no room id")
	}
}
