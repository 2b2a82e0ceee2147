package events

import "testing"

func TestEmitterDisposeRemovesOnlyThatHandler(t *testing.T) {
	e := NewEmitter()
	var a, b int
	offA := e.On(MatchFound, func(Event) { a++ })
	e.On(MatchFound, func(Event) { b++ })

	e.Emit(Event{Kind: MatchFound})
	offA()
	offA() // idempotent
	e.Emit(Event{Kind: MatchFound})

	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d, want 1 and 2", a, b)
	}
	if e.Len() != 1 {
		t.Fatalf("Len = %d, want 1", e.Len())
	}
}

func TestEmitterFiltersByKind(t *testing.T) {
	e := NewEmitter()
	var got []Kind
	e.On(BattleEnded, func(ev Event) { got = append(got, ev.Kind) })
	e.OnAll(func(ev Event) { got = append(got, "all:"+ev.Kind) })

	e.Emit(Event{Kind: OpponentMove})
	e.Emit(Event{Kind: BattleEnded})

	want := []Kind{"all:" + OpponentMove, BattleEnded, "all:" + BattleEnded}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEmitterReentrantEmitIsQueued(t *testing.T) {
	e := NewEmitter()
	var order []Kind
	e.OnAll(func(ev Event) {
		order = append(order, ev.Kind)
		if ev.Kind == BattleStateUpdated {
			e.Emit(Event{Kind: BattleEnded})
		}
	})
	e.On(BattleStateUpdated, func(ev Event) { order = append(order, "second") })

	e.Emit(Event{Kind: BattleStateUpdated})

	want := []Kind{BattleStateUpdated, "second", BattleEnded}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEnqueueDeliversOnDrain(t *testing.T) {
	e := NewEmitter()
	var got []Kind
	e.OnAll(func(ev Event) { got = append(got, ev.Kind) })

	e.Enqueue(Event{Kind: MatchFound}, Event{Kind: OpponentConnected})
	if len(got) != 0 {
		t.Fatalf("delivered before Drain: %v", got)
	}
	e.Drain()
	if len(got) != 2 || got[0] != MatchFound || got[1] != OpponentConnected {
		t.Fatalf("got %v", got)
	}
}

func TestEmitterRecoversAfterHandlerPanic(t *testing.T) {
	e := NewEmitter()
	var got []Kind
	e.OnAll(func(ev Event) {
		if ev.Kind == Error {
			panic("boom")
		}
		got = append(got, ev.Kind)
	})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("handler panic was swallowed")
			}
		}()
		e.Emit(Event{Kind: Error})
	}()

	e.Emit(Event{Kind: MatchFound})
	if len(got) != 1 || got[0] != MatchFound {
		t.Fatalf("got %v after a panicking handler, want [match_found]", got)
	}
}
