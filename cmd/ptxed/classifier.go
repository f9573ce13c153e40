package main

import (
	"ptdecode/event"
	"ptdecode/insn"
	"ptdecode/perr"
)

// stubClassifier is a placeholder instruction classifier: it always
// reports a single-byte "other" instruction. The x86 instruction
// classifier is an external collaborator supplied by the caller; this
// module does not ship a real one, so ptxed's output is only useful
// for exercising branch-resolution control flow, not for producing a
// faithful disassembly.
type stubClassifier struct{}

func (stubClassifier) Classify(raw []byte, _ event.ExecMode, _ uint64) (insn.ClassifyResult, error) {
	if len(raw) == 0 {
		return insn.ClassifyResult{}, perr.New(perr.ErrBadInsn)
	}
	return insn.ClassifyResult{Length: 1, Class: insn.ClassOther}, nil
}
