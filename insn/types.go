// Package insn implements the instruction-flow decoder:
// it walks a traced image one instruction at a time, using the query
// decoder to resolve branches and an external classifier to interpret
// raw bytes.
package insn

import (
	"fmt"

	"ptdecode/event"
)

// Class is the coarse instruction classification the external
// classifier assigns.
type Class int

const (
	ClassOther Class = iota
	ClassNearCall
	ClassNearReturn
	ClassNearJump
	ClassNearCondJump
	ClassFarCall
	ClassFarReturn
	ClassFarJump
	ClassError
)

func (c Class) String() string {
	switch c {
	case ClassOther:
		return "other"
	case ClassNearCall:
		return "near_call"
	case ClassNearReturn:
		return "near_return"
	case ClassNearJump:
		return "near_jump"
	case ClassNearCondJump:
		return "near_cond_jump"
	case ClassFarCall:
		return "far_call"
	case ClassFarReturn:
		return "far_return"
	case ClassFarJump:
		return "far_jump"
	case ClassError:
		return "error"
	default:
		return "invalid"
	}
}

// maxInsnLength is the longest possible x86 instruction encoding.
const maxInsnLength = 15

// Flags is the instruction record's single-bit flag set.
type Flags uint16

const (
	FlagSpeculative Flags = 1 << iota
	FlagAborted
	FlagCommitted
	FlagDisabled
	FlagEnabled
	FlagResumed
	FlagInterrupted
	FlagResynced
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagSpeculative, "speculative"},
		{FlagAborted, "aborted"},
		{FlagCommitted, "committed"},
		{FlagDisabled, "disabled"},
		{FlagEnabled, "enabled"},
		{FlagResumed, "resumed"},
		{FlagInterrupted, "interrupted"},
		{FlagResynced, "resynced"},
	}
	s := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Instruction is one decoded, classified instruction in program order.
type Instruction struct {
	IP     uint64
	Mode   event.ExecMode
	Class  Class
	Raw    [maxInsnLength]byte
	Length uint8
	Flags  Flags
}

func (in *Instruction) String() string {
	return fmt.Sprintf("0x%x: %s len=%d mode=%d flags=%s", in.IP, in.Class, in.Length, in.Mode, in.Flags)
}
