package event

// Bindings holds the three pending-event queues keyed by resolution
// point.
type Bindings struct {
	PSBEnd *Queue
	TIP    *Queue
	FUP    *Queue
}

// NewBindings allocates the three per-binding queues.
func NewBindings() *Bindings {
	return &Bindings{PSBEnd: NewQueue(), TIP: NewQueue(), FUP: NewQueue()}
}

// Queue returns the queue for b.
func (bs *Bindings) Queue(b Binding) *Queue {
	switch b {
	case BindingPSBEnd:
		return bs.PSBEnd
	case BindingTIP:
		return bs.TIP
	case BindingFUP:
		return bs.FUP
	default:
		return nil
	}
}

// DiscardAll empties every binding's queue, status-update events bound
// to psbend included. The query decoder does this on a psb; an overflow
// empties only the tip and fup queues.
func (bs *Bindings) DiscardAll() {
	bs.PSBEnd.DiscardAll()
	bs.TIP.DiscardAll()
	bs.FUP.DiscardAll()
}

// AnyPending reports whether any binding has a queued event.
func (bs *Bindings) AnyPending() bool {
	return bs.PSBEnd.AnyPending() || bs.TIP.AnyPending() || bs.FUP.AnyPending()
}
