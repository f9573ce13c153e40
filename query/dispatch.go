package query

import (
	"fmt"

	"ptdecode/config"
	"ptdecode/event"
	"ptdecode/perr"
	"ptdecode/pkt"
)

// dispatch mutates decoder state for one packet. tip.pge and tip.pgd
// carry their own event's IP, so they resolve it immediately rather than
// through one of the three binding
// queues; dispatch pushes those straight onto d.ready for QueryEvent to
// pick up, so a cond-branch or indirect-branch query that merely steps
// past one doesn't see it as an error.
func (d *Decoder) dispatch(p pkt.Packet) error {
	switch p.Tag {
	case pkt.TagPad, pkt.TagUnknown:
		return nil

	case pkt.TagTSC:
		d.tsc = p.TSC
		d.hasTSC = true
		return nil

	case pkt.TagCBR:
		d.cbr = p.CBR
		d.hasCBR = true
		return nil

	case pkt.TagTNT8, pkt.TagTNT64:
		if err := d.checkPSBPlusAllowed(p.Tag); err != nil {
			return err
		}
		return d.tnt.append(p.TNTBits, p.TNTCount)

	case pkt.TagPSB:
		d.state = StateInPSBPlus
		d.tnt.clear()
		d.bindings.DiscardAll()
		d.bdm70TIPPGESeen = false
		d.fupPending = false
		return nil

	case pkt.TagPSBEnd:
		return d.dispatchPSBEnd()

	case pkt.TagModeExec:
		return d.enqueueModeLike(event.Event{Kind: event.KindExecMode, Mode: execModeFromPkt(p.ExecModeValue())}, true)

	case pkt.TagModeTSX:
		d.prevWasTSXAbort = p.TSXAbort
		return d.enqueueModeLike(event.Event{Kind: event.KindTSX, Speculative: p.TSXIntX, Aborted: p.TSXAbort}, false)

	case pkt.TagPIP:
		return d.dispatchPIP(p)

	case pkt.TagOVF:
		d.tnt.clear()
		d.bindings.TIP.DiscardAll()
		d.bindings.FUP.DiscardAll()
		d.fupPending = false
		ev := event.Event{Kind: event.KindOverflow}
		d.stampTSC(&ev)
		return d.enqueueBinding(event.BindingFUP, ev)

	case pkt.TagTIPPGE:
		if err := d.ready.Enqueue(*d.dispatchTIPPGE(p)); err != nil {
			return err
		}
		return d.drainTIPBound()

	case pkt.TagTIPPGD:
		if err := d.ready.Enqueue(*d.dispatchTIPPGD(p)); err != nil {
			return err
		}
		return d.drainTIPBound()

	case pkt.TagTIP:
		if err := d.checkPSBPlusAllowed(p.Tag); err != nil {
			return err
		}
		return d.dispatchTIP(p)

	case pkt.TagFUP:
		return d.dispatchFUP(p)

	default:
		return nil
	}
}

func (d *Decoder) stampTSC(ev *event.Event) {
	if d.hasTSC {
		ev.HasTSC = true
		ev.TSC = d.tsc
	}
}

func (d *Decoder) enqueueBinding(b event.Binding, ev event.Event) error {
	return d.bindings.Queue(b).Enqueue(ev)
}

// checkPSBPlusAllowed rejects tag if it is encountered inside a PSB+ run
// before its first tip.pge, unless the bdm70 errata is set. It gates tnt
// and tip; dispatchFUP and enqueueModeLike apply the same rule to fup and
// mode.exec. mode.tsx, pip, tsc, cbr, tip.pge/pgd and psbend itself are
// accepted there regardless.
func (d *Decoder) checkPSBPlusAllowed(tag pkt.Tag) error {
	if d.state != StateInPSBPlus || d.bdm70TIPPGESeen || d.cfg.Errata.Has(config.ErrataBDM70) {
		return nil
	}
	return perr.NewMsg(perr.ErrBadContext, fmt.Sprintf("%s inside psb+ precedes tip.pge without bdm70 errata", tag))
}

// enqueueModeLike binds a mode.exec/mode.tsx skeleton to the next tip,
// or to psbend if seen inside a PSB+ run.
// bdm70Gated is true for mode.exec, which BDM70 governs before the PSB+
// run's first tip.pge.
func (d *Decoder) enqueueModeLike(skeleton event.Event, bdm70Gated bool) error {
	if d.state == StateInPSBPlus {
		if bdm70Gated && !d.bdm70TIPPGESeen && !d.cfg.Errata.Has(config.ErrataBDM70) {
			return perr.NewMsg(perr.ErrBadContext, "mode.exec inside psb+ precedes tip.pge without bdm70 errata")
		}
		skeleton.StatusUpdate = true
		d.stampTSC(&skeleton)
		return d.enqueueBinding(event.BindingPSBEnd, skeleton)
	}
	d.stampTSC(&skeleton)
	return d.enqueueBinding(event.BindingTIP, skeleton)
}

func (d *Decoder) dispatchPIP(p pkt.Packet) error {
	if d.state == StateInPSBPlus {
		ev := event.Event{Kind: event.KindPaging, CR3: p.CR3, StatusUpdate: true}
		d.stampTSC(&ev)
		return d.enqueueBinding(event.BindingPSBEnd, ev)
	}
	ev := event.Event{Kind: event.KindAsyncPaging, CR3: p.CR3}
	d.stampTSC(&ev)
	return d.enqueueBinding(event.BindingFUP, ev)
}

func (d *Decoder) dispatchPSBEnd() error {
	if d.state != StateInPSBPlus {
		return perr.NewMsg(perr.ErrBadContext, "psbend outside a psb+ run")
	}
	d.state = StateSyncedNormal
	return d.bindings.PSBEnd.DrainInto(d.ready, func(ev *event.Event) {
		if ev.Kind == event.KindPaging {
			return // cr3 already known at enqueue time
		}
		ev.IP = d.lastIP
		ev.IPSuppressed = !d.lastIPValid
	})
}

func (d *Decoder) dispatchTIPPGE(p pkt.Packet) *event.Event {
	d.fupPending = false
	ip, valid := d.applyIP(p)
	d.bdm70TIPPGESeen = true
	ev := event.Event{Kind: event.KindEnabled, IP: ip, IPSuppressed: !valid, StatusUpdate: d.state == StateInPSBPlus}
	d.stampTSC(&ev)
	return &ev
}

// dispatchTIPPGD distinguishes the three disable shapes: a suppressed
// target is an async disable at the last known IP; a valid target
// preceded by a lone fup is an async branch that disabled tracing on
// the way to its destination; a valid target with no fup precursor is
// a plain synchronous disable.
func (d *Decoder) dispatchTIPPGD(p pkt.Packet) *event.Event {
	async := d.fupPending
	from := d.fupIP
	d.fupPending = false
	prevIP := d.lastIP
	ip, valid := d.applyIP(p)
	var ev event.Event
	switch {
	case !valid:
		at := prevIP
		if async {
			at = from
		}
		ev = event.Event{Kind: event.KindAsyncDisabled, At: at, IPSuppressed: true}
	case async:
		ev = event.Event{Kind: event.KindAsyncBranch, From: from, To: ip}
	default:
		ev = event.Event{Kind: event.KindDisabled, IP: ip}
	}
	ev.StatusUpdate = d.state == StateInPSBPlus
	d.stampTSC(&ev)
	return &ev
}

func (d *Decoder) dispatchTIP(p pkt.Packet) error {
	d.fupPending = false
	bogus := d.cfg.Errata.Has(config.ErrataBDM64) && d.prevWasTSXAbort
	suppressed := !d.lastIPValid
	if !bogus {
		_, valid := d.applyIP(p)
		suppressed = !valid
	}
	d.prevWasTSXAbort = false
	d.tipPending = true
	d.tipSuppressed = suppressed
	return d.bindings.TIP.DrainInto(d.ready, func(ev *event.Event) {
		ev.IP = d.lastIP
		ev.IPSuppressed = suppressed
		d.stampTSC(ev)
	})
}

// drainTIPBound releases every event waiting on the tip binding; a
// tip.pge/tip.pgd resolves them the same way a plain tip does, after
// its own enabled/disabled event.
func (d *Decoder) drainTIPBound() error {
	return d.bindings.TIP.DrainInto(d.ready, func(ev *event.Event) {
		ev.IP = d.lastIP
		ev.IPSuppressed = !d.lastIPValid
		d.stampTSC(ev)
	})
}

func (d *Decoder) dispatchFUP(p pkt.Packet) error {
	if d.state == StateInPSBPlus && !d.bdm70TIPPGESeen && !d.cfg.Errata.Has(config.ErrataBDM70) {
		return perr.NewMsg(perr.ErrBadContext, "fup inside psb+ precedes tip.pge without bdm70 errata")
	}
	d.applyIP(p)
	d.prevWasTSXAbort = false
	d.fupPending = false
	if d.state == StateInPSBPlus {
		return nil
	}
	if d.bindings.FUP.AnyPending() {
		return d.bindings.FUP.DrainInto(d.ready, func(ev *event.Event) {
			ev.IP = d.lastIP
			ev.IPSuppressed = !d.lastIPValid
			d.stampTSC(ev)
		})
	}
	// A lone fup begins an asynchronous pairing: a tip.pgd that follows
	// turns it into an async disable or async branch from this IP.
	d.fupPending = true
	d.fupIP = d.lastIP
	return nil
}

// applyIP runs the IP-compression algebra and, on a valid result,
// commits it to the last-IP register; suppressed leaves the register
// unchanged.
func (d *Decoder) applyIP(p pkt.Packet) (ip uint64, valid bool) {
	ip, valid = pkt.ApplyIPCompression(d.lastIP, p.IPCompression, p.IPPayload)
	if valid {
		d.lastIP = ip
		d.lastIPValid = true
	}
	return ip, valid
}

func execModeFromPkt(m pkt.ExecMode) event.ExecMode {
	switch m {
	case pkt.ExecMode16:
		return event.ExecMode16
	case pkt.ExecMode32:
		return event.ExecMode32
	case pkt.ExecMode64:
		return event.ExecMode64
	default:
		return event.ExecModeUnknown
	}
}
