package insn

import "ptdecode/event"

// ClassifyResult is what an external classifier reports for one
// instruction.
type ClassifyResult struct {
	Length uint8
	Class  Class
	// NextIP is the statically known target for a direct branch (the
	// taken target, for a conditional branch). Unset for indirect
	// branches and returns, which the instruction decoder resolves
	// through the query decoder or its shadow call stack instead.
	NextIP    uint64
	HasNextIP bool
}

// Classifier decodes one instruction's raw bytes and classifies its
// branch behavior. Implementations are external collaborators,
// e.g. an x86 length-and-opcode decoder; this package only depends on
// the capability, not on any concrete decode table.
type Classifier interface {
	Classify(raw []byte, mode event.ExecMode, ip uint64) (ClassifyResult, error)
}
