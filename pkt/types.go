// Package pkt implements a bit-exact encoder and decoder for the Intel
// Processor Trace wire format: the packet codec layer of the decoder.
// It has no notion of a stream or cursor (pktdec owns that);
// it only knows how to turn one Packet into bytes and back.
package pkt

import "fmt"

// Tag identifies which kind of packet a Packet value holds.
type Tag int

const (
	TagPad Tag = iota
	TagTIP
	TagTIPPGE
	TagTIPPGD
	TagFUP
	TagTNT8
	TagTNT64
	TagModeExec
	TagModeTSX
	TagPIP
	TagTSC
	TagCBR
	TagPSB
	TagPSBEnd
	TagOVF
	TagUnknown
)

func (t Tag) String() string {
	switch t {
	case TagPad:
		return "pad"
	case TagTIP:
		return "tip"
	case TagTIPPGE:
		return "tip.pge"
	case TagTIPPGD:
		return "tip.pgd"
	case TagFUP:
		return "fup"
	case TagTNT8:
		return "tnt8"
	case TagTNT64:
		return "tnt64"
	case TagModeExec:
		return "mode.exec"
	case TagModeTSX:
		return "mode.tsx"
	case TagPIP:
		return "pip"
	case TagTSC:
		return "tsc"
	case TagCBR:
		return "cbr"
	case TagPSB:
		return "psb"
	case TagPSBEnd:
		return "psbend"
	case TagOVF:
		return "ovf"
	case TagUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// IsIPPacket reports whether the tag carries an IP-compression payload.
func (t Tag) IsIPPacket() bool {
	switch t {
	case TagTIP, TagTIPPGE, TagTIPPGD, TagFUP:
		return true
	default:
		return false
	}
}

// IPCompression is the 3-bit compression tag carried by every IP packet.
type IPCompression uint8

const (
	IPSuppressed IPCompression = iota
	IPUpdate16
	IPUpdate32
	IPSext48
)

func (c IPCompression) String() string {
	switch c {
	case IPSuppressed:
		return "suppressed"
	case IPUpdate16:
		return "update-16"
	case IPUpdate32:
		return "update-32"
	case IPSext48:
		return "sext-48"
	default:
		return "invalid"
	}
}

// PayloadBytes is the number of raw IP payload bytes the compression tag
// dictates: 0, 2, 4 or 6 (sext-48 is carried in 6 bytes, zero-extended to
// 48 bits, then sign-extended to 64 on decode).
func (c IPCompression) PayloadBytes() int {
	switch c {
	case IPSuppressed:
		return 0
	case IPUpdate16:
		return 2
	case IPUpdate32:
		return 4
	case IPSext48:
		return 6
	default:
		return -1
	}
}

// ModeLeaf selects which leaf a MODE packet's second byte describes.
type ModeLeaf uint8

const (
	ModeLeafExec ModeLeaf = iota
	ModeLeafTSX
)

// ExecMode is the instruction-set width implied by a MODE.Exec leaf.
type ExecMode uint8

const (
	ExecModeUnknown ExecMode = iota
	ExecMode16
	ExecMode32
	ExecMode64
)

func (m ExecMode) String() string {
	switch m {
	case ExecMode16:
		return "16"
	case ExecMode32:
		return "32"
	case ExecMode64:
		return "64"
	default:
		return "unknown"
	}
}

// ExecModeFromCSLCSD derives the execution mode a mode.exec leaf's CS.L
// and CS.D flags imply. CS.L with CS.D clear is 64-bit, CS.D alone is
// 32-bit, neither is 16-bit; both set is reserved.
func ExecModeFromCSLCSD(csl, csd bool) ExecMode {
	switch {
	case csl && !csd:
		return ExecMode64
	case !csl && csd:
		return ExecMode32
	case !csl && !csd:
		return ExecMode16
	default:
		return ExecModeUnknown
	}
}

// Packet is a tagged-union over every wire packet kind. Only the
// fields relevant to Tag are meaningful; the zero value of the others is
// ignored by Encode.
type Packet struct {
	Tag Tag

	// IP packets (tip, tip.pge, tip.pgd, fup).
	IPCompression IPCompression
	IPPayload     uint64 // right-zero-extended raw payload, width = IPCompression.PayloadBytes()*8

	// tnt8 / tnt64
	TNTCount uint8  // number of real TNT bits (stop bit stripped)
	TNTBits  uint64 // TNT bits, bit (TNTCount-1) is oldest, bit 0 is newest

	// mode.exec / mode.tsx
	ModeLeaf ModeLeaf
	ExecCSL  bool // CS.L set: 64-bit code segment (mode.exec)
	ExecCSD  bool // CS.D set: 32-bit default operand size (mode.exec)
	TSXIntX  bool // in a transaction (mode.tsx)
	TSXAbort bool // transaction aborted (mode.tsx)

	// pip
	CR3        uint64 // already shifted back to a real CR3 value on decode
	PIPNonRoot bool

	// tsc
	TSC uint64 // 56-bit counter, zero-extended

	// cbr
	CBR uint8 // core:bus ratio

	// unknown
	UnknownOpcode byte
	UnknownRaw    []byte // raw bytes as determined by the unknown-packet callback
}

// ExecModeValue is the execution mode a mode.exec packet's CS.L/CS.D
// flags imply.
func (p Packet) ExecModeValue() ExecMode {
	return ExecModeFromCSLCSD(p.ExecCSL, p.ExecCSD)
}

func (p Packet) String() string {
	switch p.Tag {
	case TagTIP, TagTIPPGE, TagTIPPGD, TagFUP:
		return fmt.Sprintf("%s(%s, 0x%x)", p.Tag, p.IPCompression, p.IPPayload)
	case TagTNT8, TagTNT64:
		return fmt.Sprintf("%s(n=%d, bits=%0*b)", p.Tag, p.TNTCount, p.TNTCount, p.TNTBits)
	case TagModeExec:
		return fmt.Sprintf("mode.exec(%s)", p.ExecModeValue())
	case TagModeTSX:
		return fmt.Sprintf("mode.tsx(intx=%v, abort=%v)", p.TSXIntX, p.TSXAbort)
	case TagPIP:
		return fmt.Sprintf("pip(cr3=0x%x)", p.CR3)
	case TagTSC:
		return fmt.Sprintf("tsc(0x%x)", p.TSC)
	case TagCBR:
		return fmt.Sprintf("cbr(%d)", p.CBR)
	case TagUnknown:
		return fmt.Sprintf("unknown(0x%02x)", p.UnknownOpcode)
	default:
		return p.Tag.String()
	}
}
