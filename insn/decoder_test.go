package insn

import (
	"os"
	"path/filepath"
	"testing"

	"ptdecode/config"
	"ptdecode/event"
	"ptdecode/image"
	"ptdecode/pkt"
	"ptdecode/query"
)

// stubClassifier recognizes a handful of one-byte opcodes just rich
// enough to exercise every branch class in Decoder.advance.
type stubClassifier struct{}

const (
	opNop       = 0x90 // other, length 1
	opNearJump  = 0xE9 // near_jump, length 5, static target in bytes [1:5]
	opCondJump  = 0x74 // near_cond_jump, length 2, rel8 displacement in byte [1] from the next instruction
	opNearCall  = 0xE8 // near_call, length 5, static target in bytes [1:5]
	opNearRet   = 0xC3 // near_return, length 1
	opIndirJump = 0xFF // near_jump, length 1, indirect (no static target)
)

func (stubClassifier) Classify(raw []byte, mode event.ExecMode, ip uint64) (ClassifyResult, error) {
	switch raw[0] {
	case opNop:
		return ClassifyResult{Length: 1, Class: ClassOther}, nil
	case opNearJump:
		target := uint64(raw[1]) | uint64(raw[2])<<8 | uint64(raw[3])<<16 | uint64(raw[4])<<24
		return ClassifyResult{Length: 5, Class: ClassNearJump, NextIP: target, HasNextIP: true}, nil
	case opCondJump:
		target := ip + 2 + uint64(raw[1])
		return ClassifyResult{Length: 2, Class: ClassNearCondJump, NextIP: target, HasNextIP: true}, nil
	case opNearCall:
		target := uint64(raw[1]) | uint64(raw[2])<<8 | uint64(raw[3])<<16 | uint64(raw[4])<<24
		return ClassifyResult{Length: 5, Class: ClassNearCall, NextIP: target, HasNextIP: true}, nil
	case opNearRet:
		return ClassifyResult{Length: 1, Class: ClassNearReturn}, nil
	case opIndirJump:
		return ClassifyResult{Length: 1, Class: ClassNearJump}, nil
	default:
		return ClassifyResult{}, nil
	}
}

func buildImage(t *testing.T, code []byte, asid image.ASID, base uint64) *image.Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "code.bin")
	if err := os.WriteFile(path, code, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	im := image.New()
	if err := im.AddFile(path, 0, uint64(len(code)), asid, base); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	return im
}

func newQueryDecoder(t *testing.T, pkts ...pkt.Packet) *query.Decoder {
	t.Helper()
	var buf []byte
	for _, p := range pkts {
		b, err := pkt.Encode(p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		buf = append(buf, b...)
	}
	cpu := config.CPU{Vendor: config.VendorIntel, Family: 6, Model: 0x8E, Stepping: 9}
	cfg, err := config.New(buf, cpu, 0, nil, nil)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	q := query.New(cfg)
	if err := q.SyncForward(); err != nil {
		t.Fatalf("SyncForward: %v", err)
	}
	return q
}

func TestStraightLineThenNearJump(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	code := []byte{opNop, opNearJump, 0x00, 0x10, 0x40, 0x00} // at 0x400000: nop; at 0x400001: jmp 0x401000
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	in, err := d.Next()
	if err != nil {
		t.Fatalf("Next (nop): %v", err)
	}
	if in.IP != 0x400000 || in.Class != ClassOther || !in.Flags.Has(FlagEnabled) {
		t.Fatalf("first instruction = %+v", in)
	}

	in, err = d.Next()
	if err != nil {
		t.Fatalf("Next (jmp): %v", err)
	}
	if in.IP != 0x400001 || in.Class != ClassNearJump {
		t.Fatalf("second instruction = %+v", in)
	}
	if d.ip != 0x401000 {
		t.Fatalf("ip after jmp = 0x%x, want 0x401000", d.ip)
	}
}

func TestCondJumpConsultsQueryDecoder(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	// at 0x400000: jz +0x10 (taken target 0x400012); fallthrough is 0x400002.
	code := []byte{opCondJump, 0x10}
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
		pkt.Packet{Tag: pkt.TagTNT8, TNTCount: 1, TNTBits: 1},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	if _, err := d.Next(); err != nil { // enabled at 0x400000
		t.Fatalf("Next (enable): %v", err)
	}
	if d.ip != 0x400012 {
		t.Fatalf("ip after taken cond jump = 0x%x, want 0x400012", d.ip)
	}
}

func TestCallThenReturnUsesShadowStack(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	// 0x400000: call 0x500000 (5 bytes, fallthrough 0x400005)
	// 0x500000: ret
	code := make([]byte, 0x500000-0x400000+1)
	code[0] = opNearCall
	code[1], code[2], code[3], code[4] = 0x00, 0x00, 0x50, 0x00
	code[0x500000-0x400000] = opNearRet
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	if _, err := d.Next(); err != nil { // call
		t.Fatalf("Next (call): %v", err)
	}
	if d.ip != 0x500000 {
		t.Fatalf("ip after call = 0x%x, want 0x500000", d.ip)
	}

	in, err := d.Next() // ret
	if err != nil {
		t.Fatalf("Next (ret): %v", err)
	}
	if in.Class != ClassNearReturn {
		t.Fatalf("class = %v, want near_return", in.Class)
	}
	if d.ip != 0x400005 {
		t.Fatalf("ip after return = 0x%x, want 0x400005 (shadow stack)", d.ip)
	}
}

func TestExecModeEventUpdatesMode(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	code := []byte{opNop, opNop}
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagModeExec, ExecCSL: true},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	in, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if in.Mode != event.ExecMode64 {
		t.Fatalf("mode = %v, want ExecMode64 (bound by mode.exec -> tip.pge)", in.Mode)
	}
}

// A tip.pgd with a suppressed target disables tracing at the current
// instruction, marked as interrupted.
func TestTIPPGDSuppressedDisablesWithInterrupt(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	code := []byte{opNop}
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
		pkt.Packet{Tag: pkt.TagTIPPGD, IPCompression: pkt.IPSuppressed},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	in, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !in.Flags.Has(FlagDisabled) || !in.Flags.Has(FlagInterrupted) {
		t.Fatalf("flags = %s, want disabled|interrupted", in.Flags)
	}
	if d.tracingEnabled {
		t.Fatal("tracing should be disabled after the tip.pgd")
	}
}

// A fup plus a valid tip.pgd disables tracing at the current instruction
// and defines the IP the next instruction resumes at.
func TestAsyncBranchResumesAtTarget(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	code := make([]byte, 0x500000-0x400000+1)
	code[0] = opNop
	code[0x500000-0x400000] = opNop
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
		pkt.Packet{Tag: pkt.TagFUP, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400001)},
		pkt.Packet{Tag: pkt.TagTIPPGD, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x500000)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	in, err := d.Next()
	if err != nil {
		t.Fatalf("Next (disable): %v", err)
	}
	if !in.Flags.Has(FlagDisabled) {
		t.Fatalf("flags = %s, want disabled", in.Flags)
	}
	if d.tracingEnabled {
		t.Fatal("tracing should be disabled after the async branch")
	}

	in, err = d.Next()
	if err != nil {
		t.Fatalf("Next (resume): %v", err)
	}
	if in.IP != 0x500000 || !in.Flags.Has(FlagResumed) {
		t.Fatalf("resumed instruction = %+v, want ip 0x500000 with resumed flag", in)
	}
}

// An overflow marks the instruction at its resuming fup as resynced.
func TestOverflowSetsResyncFlag(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	code := []byte{opNop, opNop}
	im := buildImage(t, code, asid, 0x400000)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
		pkt.Packet{Tag: pkt.TagOVF},
		pkt.Packet{Tag: pkt.TagFUP, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400001)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	in, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !in.Flags.Has(FlagResynced) {
		t.Fatalf("flags = %s, want resynced", in.Flags)
	}

	in, err = d.Next()
	if err != nil {
		t.Fatalf("Next (after overflow): %v", err)
	}
	if in.IP != 0x400001 {
		t.Fatalf("ip = 0x%x, want 0x400001", in.IP)
	}
}

func TestUnmappedAddressReturnsNoMap(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	im := image.New()
	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	if _, err := d.Next(); err == nil {
		t.Fatal("expected nomap for an unmapped address with no sections or callback")
	}
}

func TestUnknownCR3RetriesOnceViaNewCR3Callback(t *testing.T) {
	asid := image.ASID{CR3: 0x1000}
	code := []byte{opNop}
	path := filepath.Join(t.TempDir(), "late.bin")
	if err := os.WriteFile(path, code, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	im := image.New()
	calls := 0
	im.SetNewCR3Callback(func(ctx interface{}, cr3, ip uint64) error {
		calls++
		return im.AddFile(path, 0, 1, asid, 0x400000)
	}, nil)

	q := newQueryDecoder(t,
		pkt.Packet{Tag: pkt.TagPSB},
		pkt.Packet{Tag: pkt.TagPSBEnd},
		pkt.Packet{Tag: pkt.TagTIPPGE, IPCompression: pkt.IPSext48, IPPayload: pkt.PayloadFor(pkt.IPSext48, 0x400000)},
	)
	d := New(nil, q, im, stubClassifier{})
	d.SetASID(asid)

	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if calls != 1 {
		t.Fatalf("new_cr3 callback invoked %d times, want 1", calls)
	}
}
