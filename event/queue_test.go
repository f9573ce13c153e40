package event

import (
	"testing"

	"ptdecode/perr"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(Event{Kind: KindEnabled, IP: uint64(i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		ev, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: empty", i)
		}
		if ev.IP != uint64(i) {
			t.Fatalf("Dequeue %d: got ip=%d, want %d", i, ev.IP, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueueFullDoesNotCorruptExisting(t *testing.T) {
	q := NewQueue()
	for i := 0; i < queueCapacity-1; i++ {
		if err := q.Enqueue(Event{Kind: KindEnabled, IP: uint64(i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(Event{Kind: KindEnabled, IP: 999}); perr.Code(err) != perr.ErrInternal {
		t.Fatalf("Enqueue on a full queue = %v, want ErrInternal", err)
	}
	for i := 0; i < queueCapacity-1; i++ {
		ev, ok := q.Dequeue()
		if !ok || ev.IP != uint64(i) {
			t.Fatalf("after failed enqueue, Dequeue %d = %v, ok=%v", i, ev, ok)
		}
	}
}

func TestQueueFindByKindAndDiscardAll(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Event{Kind: KindPaging, CR3: 0x1000})
	q.Enqueue(Event{Kind: KindExecMode, Mode: ExecMode64})

	if _, ok := q.FindByKind(KindTSX); ok {
		t.Fatal("did not expect to find tsx")
	}
	ev, ok := q.FindByKind(KindExecMode)
	if !ok || ev.Mode != ExecMode64 {
		t.Fatalf("FindByKind(exec_mode) = %v, ok=%v", ev, ok)
	}

	if !q.AnyPending() || q.Len() != 2 {
		t.Fatalf("AnyPending=%v Len=%d, want true/2", q.AnyPending(), q.Len())
	}
	q.DiscardAll()
	if q.AnyPending() || q.Len() != 0 {
		t.Fatalf("after DiscardAll: AnyPending=%v Len=%d", q.AnyPending(), q.Len())
	}
}

func TestQueueDrainIntoFillsAndPreservesOrder(t *testing.T) {
	src := NewQueue()
	src.Enqueue(Event{Kind: KindExecMode, Mode: ExecMode32})
	src.Enqueue(Event{Kind: KindTSX, Speculative: true})

	dst := NewQueue()
	if err := src.DrainInto(dst, func(ev *Event) { ev.IP = 0xABCD }); err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if src.AnyPending() {
		t.Fatal("source queue should be empty after DrainInto")
	}

	first, ok := dst.Dequeue()
	if !ok || first.Kind != KindExecMode || first.IP != 0xABCD {
		t.Fatalf("first drained = %+v, ok=%v", first, ok)
	}
	second, ok := dst.Dequeue()
	if !ok || second.Kind != KindTSX || second.IP != 0xABCD {
		t.Fatalf("second drained = %+v, ok=%v", second, ok)
	}
}

func TestBindingsQueueSelection(t *testing.T) {
	bs := NewBindings()
	bs.Queue(BindingTIP).Enqueue(Event{Kind: KindEnabled})
	if !bs.TIP.AnyPending() {
		t.Fatal("expected tip binding to hold the enqueued event")
	}
	if bs.PSBEnd.AnyPending() || bs.FUP.AnyPending() {
		t.Fatal("other bindings should be untouched")
	}
	if !bs.AnyPending() {
		t.Fatal("Bindings.AnyPending should be true")
	}
	bs.DiscardAll()
	if bs.AnyPending() {
		t.Fatal("expected all bindings empty after DiscardAll")
	}
}
