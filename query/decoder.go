// Package query implements the query decoder, the heart of
// the system: a streaming state machine over the packet stream that
// maintains the last-IP register, the TNT cache and the three
// pending-event queues, binding asynchronous facts to the packet that
// eventually resolves them.
package query

import (
	"ptdecode/config"
	"ptdecode/event"
	"ptdecode/perr"
	"ptdecode/pkt"
	"ptdecode/pktdec"
)

// State is the decoder's synchronization state.
type State int

const (
	StateUnsynced State = iota
	StateSyncedNormal
	StateInPSBPlus
	StateHaltedAtEOS
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "unsynced"
	case StateSyncedNormal:
		return "synced_normal"
	case StateInPSBPlus:
		return "in_psb_plus"
	case StateHaltedAtEOS:
		return "halted_at_eos"
	default:
		return "invalid"
	}
}

// Flags is the status bit-vector every public query operation returns
// alongside its result.
type Flags uint32

const (
	FlagEventPending Flags = 1 << iota
	FlagIPSuppressed
	FlagEOS
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Decoder is the query decoder.
type Decoder struct {
	cfg *config.Config
	pd  *pktdec.Decoder

	state State

	lastIP      uint64
	lastIPValid bool

	tnt tntCache

	bindings *event.Bindings
	// ready holds materialized events: those released by packets that
	// carry their own IP (tip.pge, tip.pgd) and skeletons completed by
	// the arrival of their binding packet.
	ready *event.Queue

	tsc    uint64
	hasTSC bool
	cbr    uint8
	hasCBR bool

	// bdm70TIPPGESeen tracks whether a TIP.PGE has been seen in the
	// current PSB+ run, for the BDM70 erratum: FUP/MODE.Exec are only
	// tolerated *preceding* the first TIP.PGE.
	bdm70TIPPGESeen bool

	// bdm64 erratum bookkeeping: set by a mode.tsx abort, consumed by the
	// next tip, to detect "TSX-abort immediately followed by TIP".
	prevWasTSXAbort bool

	// tipPending is set whenever a tip packet is dispatched (by any
	// query) and its target hasn't yet been handed out by an
	// indirect-branch query. This lets an event query that drains
	// through a tip to resolve a bound event (e.g. exec_mode) and a
	// later indirect-branch query agree on the same target, matching a
	// single tip answering both the event and the branch it bound to.
	tipPending bool
	// tipSuppressed records whether that tip's compression was
	// suppressed. The last-IP register keeps its previous valid value
	// through a suppressed tip, so validity alone can't answer "was
	// this branch target suppressed".
	tipSuppressed bool

	// fupPending/fupIP record a lone fup (one that completed no bound
	// skeleton) whose pairing packet is still outstanding. A tip.pgd
	// that follows is an asynchronous disable from fupIP; a tip.pgd
	// with no such precursor is a plain synchronous disable.
	fupPending bool
	fupIP      uint64
}

// New creates a query decoder over cfg, initially unsynchronized.
func New(cfg *config.Config) *Decoder {
	return &Decoder{
		cfg:      cfg,
		pd:       pktdec.New(cfg),
		state:    StateUnsynced,
		bindings: event.NewBindings(),
		ready:    event.NewQueue(),
	}
}

// Sync positions the decoder at offset, which must be the start of a
// PSB, and resets all per-sync state.
func (d *Decoder) Sync(offset int) error {
	if err := d.pd.SyncSet(offset); err != nil {
		return err
	}
	d.resetSyncState()
	return nil
}

// SyncForward scans forward for the next PSB and positions there.
func (d *Decoder) SyncForward() error {
	if err := d.pd.SyncForward(); err != nil {
		return err
	}
	d.resetSyncState()
	return nil
}

// SyncBackward scans backward for the nearest preceding PSB.
func (d *Decoder) SyncBackward() error {
	if err := d.pd.SyncBackward(); err != nil {
		return err
	}
	d.resetSyncState()
	return nil
}

func (d *Decoder) resetSyncState() {
	d.state = StateSyncedNormal
	d.lastIPValid = false
	d.tnt.clear()
	d.bindings = event.NewBindings()
	d.ready = event.NewQueue()
	d.hasTSC = false
	d.hasCBR = false
	d.bdm70TIPPGESeen = false
	d.prevWasTSXAbort = false
	d.tipPending = false
	d.tipSuppressed = false
	d.fupPending = false
	d.fupIP = 0
}

// State reports the decoder's current synchronization state.
func (d *Decoder) State() State { return d.state }

// LastIP returns the last-IP register and its validity.
func (d *Decoder) LastIP() (uint64, bool) { return d.lastIP, d.lastIPValid }

// Time returns the current TSC, or no_time if none has been seen since
// the last sync.
func (d *Decoder) Time() (uint64, error) {
	if !d.hasTSC {
		return 0, perr.New(perr.ErrNoTime)
	}
	return d.tsc, nil
}

// CoreBusRatio returns the current core:bus ratio, or no_cbr if none
// has been seen since the last sync.
func (d *Decoder) CoreBusRatio() (uint8, error) {
	if !d.hasCBR {
		return 0, perr.New(perr.ErrNoCBR)
	}
	return d.cbr, nil
}

// StatusFlags computes the look-ahead status flags for the packet about
// to be dispatched, without consuming it: every public operation's
// status reflects what the next packet implies.
func (d *Decoder) StatusFlags() Flags {
	var f Flags
	if !d.lastIPValid {
		f |= FlagIPSuppressed
	}
	if d.bindings.AnyPending() || d.ready.AnyPending() {
		f |= FlagEventPending
	}
	tag, ok := d.peekTag()
	if !ok {
		f |= FlagEOS
		return f
	}
	if tag == pkt.TagTIPPGE || tag == pkt.TagTIPPGD {
		f |= FlagEventPending
	}
	return f
}

func (d *Decoder) peekTag() (pkt.Tag, bool) {
	p, err := d.peek()
	if err != nil {
		return 0, false
	}
	return p.Tag, true
}

// peek decodes the packet at the cursor without consuming it. Queries
// peek before dispatching so that a packet inconsistent with the query
// is left in place for a retry with the right query.
func (d *Decoder) peek() (pkt.Packet, error) {
	buf := d.cfg.Buffer
	c := d.pd.Cursor()
	if c >= len(buf) {
		return pkt.Packet{}, perr.NewAt(perr.ErrEOS, int64(c))
	}
	p, _, err := pkt.Decode(buf[c:])
	if err != nil {
		return pkt.Packet{}, err
	}
	return p, nil
}

// QueryCondBranch answers "was the next conditional branch taken?" by
// draining the packet stream until the TNT cache is non-empty.
// A next packet that cannot lead to a TNT,
// including the end of the stream, fails with bad_query and is not
// consumed.
func (d *Decoder) QueryCondBranch() (taken bool, flags Flags, err error) {
	for d.tnt.isEmpty() {
		p, err := d.peek()
		if err != nil {
			if perr.Code(err) == perr.ErrEOS {
				d.state = StateHaltedAtEOS
				return false, 0, perr.NewMsg(perr.ErrBadQuery, "no TNT packet before end of stream")
			}
			if perr.Code(err) != perr.ErrBadOpcode {
				return false, 0, err
			}
			// Unknown opcode: let Next consult the configured callback.
		} else if !isCondBranchCompatible(p.Tag) {
			return false, 0, perr.NewMsg(perr.ErrBadQuery, "next packet cannot satisfy a cond-branch query")
		}
		if _, err := d.nextDispatched(); err != nil {
			return false, 0, err
		}
	}
	bit, _ := d.tnt.popFront()
	return bit != 0, d.StatusFlags(), nil
}

func isCondBranchCompatible(t pkt.Tag) bool {
	switch t {
	case pkt.TagTNT8, pkt.TagTNT64, pkt.TagPad, pkt.TagTSC, pkt.TagCBR,
		pkt.TagModeExec, pkt.TagModeTSX, pkt.TagPIP, pkt.TagOVF, pkt.TagFUP,
		pkt.TagTIPPGE, pkt.TagTIPPGD, pkt.TagPSB, pkt.TagPSBEnd, pkt.TagUnknown:
		return true
	default:
		return false
	}
}

// QueryIndirectBranch answers "what was the next indirect branch
// target?" by advancing until a tip packet resolves the last-IP
// register. If a tip was already dispatched by a prior query (e.g. an
// event query draining through one to complete a bound event) and its
// target hasn't been handed out yet, that target is returned directly.
// A suppressed tip sets FlagIPSuppressed; the returned ip must not be
// trusted in that case.
func (d *Decoder) QueryIndirectBranch() (ip uint64, flags Flags, err error) {
	if d.tipPending {
		return d.takeTIPTarget(), d.tipFlags(), nil
	}
	for {
		p, err := d.peek()
		if err != nil {
			if perr.Code(err) == perr.ErrEOS {
				d.state = StateHaltedAtEOS
				return 0, 0, err
			}
			if perr.Code(err) != perr.ErrBadOpcode {
				return 0, 0, err
			}
		} else if p.Tag == pkt.TagTIP {
			if _, err := d.nextDispatched(); err != nil {
				return 0, 0, err
			}
			return d.takeTIPTarget(), d.tipFlags(), nil
		} else if !isIndirectCompatible(p.Tag) {
			return 0, 0, perr.NewMsg(perr.ErrBadQuery, "next packet is inconsistent with an indirect-branch query")
		}
		if _, err := d.nextDispatched(); err != nil {
			return 0, 0, err
		}
	}
}

func (d *Decoder) takeTIPTarget() uint64 {
	d.tipPending = false
	if d.tipSuppressed {
		return 0
	}
	return d.lastIP
}

func (d *Decoder) tipFlags() Flags {
	f := d.StatusFlags()
	if d.tipSuppressed {
		f |= FlagIPSuppressed
	}
	return f
}

func isIndirectCompatible(t pkt.Tag) bool {
	switch t {
	case pkt.TagPad, pkt.TagTSC, pkt.TagCBR, pkt.TagModeExec, pkt.TagModeTSX,
		pkt.TagPIP, pkt.TagPSB, pkt.TagPSBEnd, pkt.TagUnknown:
		return true
	default:
		return false
	}
}

// QueryEvent dequeues the next pending event, advancing the stream to
// materialize one if none is queued yet.
// pad/tsc/cbr/psb are transparent the same way they are for a
// cond-branch query. A next packet that can never produce an event
// (a TNT, a tip or fup nothing is bound to, or the end of the stream)
// fails with bad_query without consuming anything.
func (d *Decoder) QueryEvent() (event.Event, Flags, error) {
	if ev, ok := d.dequeueAnyPending(); ok {
		return ev, d.StatusFlags(), nil
	}
	for {
		p, err := d.peek()
		if err != nil {
			if perr.Code(err) == perr.ErrEOS {
				d.state = StateHaltedAtEOS
				return event.Event{}, 0, perr.NewMsg(perr.ErrBadQuery, "no event pending before end of stream")
			}
			if perr.Code(err) != perr.ErrBadOpcode {
				return event.Event{}, 0, err
			}
		} else if !d.isEventCompatible(p.Tag) {
			return event.Event{}, 0, perr.NewMsg(perr.ErrBadQuery, "next packet is inconsistent with an event query")
		}
		if _, err := d.nextDispatched(); err != nil {
			return event.Event{}, 0, err
		}
		if found, ok := d.dequeueAnyPending(); ok {
			return found, d.StatusFlags(), nil
		}
	}
}

func (d *Decoder) isEventCompatible(t pkt.Tag) bool {
	switch t {
	case pkt.TagPad, pkt.TagTSC, pkt.TagCBR, pkt.TagPSB, pkt.TagPSBEnd,
		pkt.TagModeExec, pkt.TagModeTSX, pkt.TagPIP, pkt.TagOVF,
		pkt.TagTIPPGE, pkt.TagTIPPGD, pkt.TagUnknown:
		return true
	case pkt.TagTIP:
		// A tip answers an event query only when it completes a bound
		// skeleton; a bare tip is an indirect-branch answer the event
		// query must not consume.
		return d.bindings.TIP.AnyPending()
	case pkt.TagFUP:
		return d.state == StateInPSBPlus || d.bindings.FUP.AnyPending() ||
			d.fupBeginsAsyncDisable()
	default:
		return false
	}
}

// fupBeginsAsyncDisable reports whether the fup at the cursor is the
// precursor of an asynchronous disable: a tip.pgd follows it, with only
// pad/tsc/cbr in between.
func (d *Decoder) fupBeginsAsyncDisable() bool {
	buf := d.cfg.Buffer
	c := d.pd.Cursor()
	p, n, err := pkt.Decode(buf[c:])
	if err != nil || p.Tag != pkt.TagFUP {
		return false
	}
	c += n
	for c < len(buf) {
		p, n, err = pkt.Decode(buf[c:])
		if err != nil {
			return false
		}
		switch p.Tag {
		case pkt.TagPad, pkt.TagTSC, pkt.TagCBR:
			c += n
		case pkt.TagTIPPGD:
			return true
		default:
			return false
		}
	}
	return false
}

// PendingEventAhead reports whether the packets at the cursor, skipping
// transparent pad/tsc/cbr, lead directly to one that releases an event
// without consuming any query answer. The instruction-flow decoder uses
// this after each instruction to decide whether an event query is safe:
// unlike FlagEventPending it never mistakes a tnt or a bare tip for an
// event source.
func (d *Decoder) PendingEventAhead() bool {
	buf := d.cfg.Buffer
	c := d.pd.Cursor()
	fupSeen, ovfSeen := false, false
	for c < len(buf) {
		p, n, err := pkt.Decode(buf[c:])
		if err != nil {
			return false
		}
		switch p.Tag {
		case pkt.TagPad, pkt.TagTSC, pkt.TagCBR:
			c += n
		case pkt.TagOVF:
			ovfSeen = true
			c += n
		case pkt.TagTIPPGE, pkt.TagTIPPGD:
			return true
		case pkt.TagFUP:
			if d.bindings.FUP.AnyPending() || ovfSeen {
				return true
			}
			if fupSeen {
				return false
			}
			fupSeen = true
			c += n
		default:
			return false
		}
	}
	return false
}

// TryDequeueEvent pops the next already-materialized event without
// advancing the packet stream, or reports none pending. The
// instruction-flow decoder uses this for its post-instruction event
// drain after each instruction, which must not block waiting for a future
// packet the way QueryEvent does.
func (d *Decoder) TryDequeueEvent() (event.Event, bool) {
	return d.dequeueAnyPending()
}

// dequeueAnyPending pops the oldest materialized (binding-resolved)
// event. Skeletons still waiting on their binding packet live in
// d.bindings, not here; only d.ready holds events actually safe to
// hand to a caller.
func (d *Decoder) dequeueAnyPending() (event.Event, bool) {
	return d.ready.Dequeue()
}

// nextDispatched pulls and dispatches exactly one packet and returns it,
// failing on eos or a malformed stream.
func (d *Decoder) nextDispatched() (pkt.Packet, error) {
	if d.state == StateUnsynced {
		return pkt.Packet{}, perr.New(perr.ErrNoSync)
	}
	p, err := d.pd.Next()
	if err != nil {
		if perr.Code(err) == perr.ErrEOS {
			d.state = StateHaltedAtEOS
		}
		return pkt.Packet{}, err
	}
	if err := d.dispatch(p); err != nil {
		return p, err
	}
	return p, nil
}
