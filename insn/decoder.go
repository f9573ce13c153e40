package insn

import (
	"ptdecode/config"
	"ptdecode/event"
	"ptdecode/image"
	"ptdecode/perr"
	"ptdecode/query"
)

// Decoder walks a traced image one instruction at a time, asking the
// query decoder to resolve every branch that Intel PT doesn't encode
// statically.
type Decoder struct {
	cfg *config.Config
	q   *query.Decoder
	img *image.Image
	cls Classifier

	asid image.ASID
	ip   uint64
	mode event.ExecMode

	tracingEnabled bool

	// pendingResume holds an async_branch event drained while its
	// instruction was still being resolved; the next call resumes from
	// it instead of querying for a fresh event.
	pendingResume *event.Event

	// speculative is set while execution is inside a transaction; every
	// instruction emitted until the tsx event that commits or aborts it
	// carries FlagSpeculative.
	speculative bool

	// callStack shadows near/far calls so a return can be resolved
	// without a query when the call site is known.
	callStack []uint64

	// triedCR3 records CR3s whose new_cr3 callback retry has already
	// been spent, so the same never-mapped space doesn't retry forever.
	triedCR3 map[uint64]bool
}

// New creates an instruction-flow decoder over an already-synchronized
// query decoder q, reading from img via cls.
func New(cfg *config.Config, q *query.Decoder, img *image.Image, cls Classifier) *Decoder {
	return &Decoder{cfg: cfg, q: q, img: img, cls: cls, triedCR3: make(map[uint64]bool)}
}

// SetASID sets the address-space identity instructions are read under.
func (d *Decoder) SetASID(asid image.ASID) { d.asid = asid }

// Next decodes and returns the next instruction in program order.
func (d *Decoder) Next() (Instruction, error) {
	var entryFlags Flags

	for !d.tracingEnabled {
		var ev event.Event
		if d.pendingResume != nil {
			ev = *d.pendingResume
			d.pendingResume = nil
		} else {
			var err error
			ev, _, err = d.q.QueryEvent()
			if err != nil {
				return Instruction{}, err
			}
		}
		switch ev.Kind {
		case event.KindEnabled:
			d.ip = ev.IP
			entryFlags |= FlagEnabled
			d.tracingEnabled = true
		case event.KindAsyncBranch:
			d.ip = ev.To
			entryFlags |= FlagResumed
			d.tracingEnabled = true
		case event.KindExecMode:
			d.mode = ev.Mode
		case event.KindPaging, event.KindAsyncPaging:
			d.asid.CR3 = ev.CR3
			delete(d.triedCR3, ev.CR3)
		case event.KindTSX:
			d.speculative = ev.Speculative
		case event.KindOverflow:
			entryFlags |= FlagResynced
		default:
			// disabled-family events while already disabled carry no
			// state the resume path needs
		}
	}
	if d.speculative {
		entryFlags |= FlagSpeculative
	}

	raw, n, err := d.readAt(d.ip)
	if err != nil {
		return Instruction{}, err
	}

	result, err := d.cls.Classify(raw[:n], d.mode, d.ip)
	if err != nil {
		return Instruction{}, perr.New(perr.ErrBadInsn).Wrap(err)
	}
	if result.Class == ClassError || result.Length == 0 || int(result.Length) > n {
		return Instruction{}, perr.New(perr.ErrBadInsn)
	}

	in := Instruction{IP: d.ip, Mode: d.mode, Class: result.Class, Length: result.Length, Flags: entryFlags}
	copy(in.Raw[:], raw[:result.Length])

	nextIP, err := d.advance(result)
	if err != nil {
		return Instruction{}, err
	}
	d.ip = nextIP

	if err := d.drainEvents(&in); err != nil {
		return Instruction{}, err
	}
	return in, nil
}

// readAt reads up to maxInsnLength bytes at ip. On the first nomap for
// the current CR3 since it was last observed, it invokes the image's
// new_cr3 callback and retries the read exactly once.
func (d *Decoder) readAt(ip uint64) ([maxInsnLength]byte, int, error) {
	var raw [maxInsnLength]byte
	n, err := d.img.Read(raw[:], d.asid, ip)
	if err == nil {
		return raw, n, nil
	}
	if perr.Code(err) != perr.ErrNoMap || d.triedCR3[d.asid.CR3] {
		return raw, 0, perr.New(perr.ErrNoMap)
	}
	d.triedCR3[d.asid.CR3] = true

	handled, cbErr := d.img.TryLoadCR3(d.asid.CR3, ip)
	if cbErr != nil || !handled {
		return raw, 0, perr.New(perr.ErrNoMap)
	}
	n, err = d.img.Read(raw[:], d.asid, ip)
	if err != nil {
		return raw, 0, perr.New(perr.ErrNoMap)
	}
	return raw, n, nil
}

// advance computes the IP of the instruction following the one just
// classified.
func (d *Decoder) advance(r ClassifyResult) (uint64, error) {
	fallthroughIP := d.ip + uint64(r.Length)

	switch r.Class {
	case ClassNearCall, ClassFarCall:
		d.callStack = append(d.callStack, fallthroughIP)
		if r.HasNextIP {
			return r.NextIP, nil
		}
		ip, _, err := d.q.QueryIndirectBranch()
		return ip, err

	case ClassNearJump, ClassFarJump:
		if r.HasNextIP {
			return r.NextIP, nil
		}
		ip, _, err := d.q.QueryIndirectBranch()
		return ip, err

	case ClassNearCondJump:
		taken, _, err := d.q.QueryCondBranch()
		if err != nil {
			return 0, err
		}
		if taken {
			return r.NextIP, nil
		}
		return fallthroughIP, nil

	case ClassNearReturn, ClassFarReturn:
		if n := len(d.callStack); n > 0 {
			target := d.callStack[n-1]
			d.callStack = d.callStack[:n-1]
			return target, nil
		}
		ip, _, err := d.q.QueryIndirectBranch()
		return ip, err

	default: // other
		return fallthroughIP, nil
	}
}

// drainEvents applies every already-materialized event to the
// instruction just completed. When the ready queue runs dry it pulls
// events the next packets release on their own (tip.pge/tip.pgd, an
// overflow's resuming fup), but it never consumes a query answer and
// never blocks: events bound to a packet further out wait for a later
// call.
func (d *Decoder) drainEvents(in *Instruction) error {
	for {
		ev, ok := d.q.TryDequeueEvent()
		if !ok {
			if !d.tracingEnabled || !d.q.PendingEventAhead() {
				return nil
			}
			var err error
			ev, _, err = d.q.QueryEvent()
			if err != nil {
				return err
			}
		}
		switch ev.Kind {
		case event.KindDisabled:
			in.Flags |= FlagDisabled
			d.tracingEnabled = false
		case event.KindAsyncDisabled:
			in.Flags |= FlagDisabled | FlagInterrupted
			d.tracingEnabled = false
		case event.KindAsyncBranch:
			// tip.pgd fired while the instruction just completed was
			// still being resolved: tracing is disabled again, and the
			// next call must resume at ev.To rather than query afresh.
			in.Flags |= FlagDisabled
			d.tracingEnabled = false
			resume := ev
			d.pendingResume = &resume
		case event.KindPaging, event.KindAsyncPaging:
			d.asid.CR3 = ev.CR3
			delete(d.triedCR3, ev.CR3)
		case event.KindExecMode:
			d.mode = ev.Mode
		case event.KindTSX:
			if ev.Aborted {
				in.Flags |= FlagAborted
			} else if d.speculative && !ev.Speculative {
				in.Flags |= FlagCommitted
			}
			d.speculative = ev.Speculative
			if ev.Speculative {
				in.Flags |= FlagSpeculative
			}
		case event.KindOverflow:
			in.Flags |= FlagResynced
		case event.KindEnabled:
			// Handled only at the top of Next(); ignore if seen here.
		}
	}
}
