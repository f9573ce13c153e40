// Package config defines the immutable-after-construction configuration
// record shared by every decoder layer: the trace buffer, CPU identity,
// errata flags and the optional unknown-packet callback.
package config

import "ptdecode/perr"

// Vendor identifies the vendor of the CPU the trace was captured on, as
// supplied by the caller. Only Intel is meaningful for Intel PT, but the
// field exists so callers can reject traces captured on unsupported hardware.
type Vendor uint8

const (
	VendorUnknown Vendor = iota
	VendorIntel
)

// CPU identifies the processor that captured the trace. Errata flags are
// passed separately (see Errata); nothing in this module derives them
// from Family/Model/Stepping.
type CPU struct {
	Vendor   Vendor
	Family   uint16
	Model    uint8
	Stepping uint8
}

// Errata is a bitset of known CPU errata the decoder must work around.
type Errata uint32

const (
	// ErrataBDM70 permits FUP and MODE.Exec packets inside PSB+ even
	// preceding the first TIP.PGE.
	ErrataBDM70 Errata = 1 << iota
	// ErrataBDM64 ignores a bogus IP following a transactional abort
	// under a specific TIP sequence.
	ErrataBDM64
)

func (e Errata) Has(bit Errata) bool { return e&bit != 0 }

// UnknownPacketCallback is invoked whenever a layer meets an opcode it does
// not recognize. cursor is the absolute offset of the unknown opcode byte
// within Config.Buffer. It must return the number of bytes the unknown
// packet occupies, or an error.
type UnknownPacketCallback func(cursor int, ctx interface{}) (int, error)

// Config is the shared, read-only configuration passed to the packet
// codec, packet decoder, query decoder and instruction-flow decoder. All
// layers borrow Buffer for their lifetime; none of them mutate it.
type Config struct {
	Buffer          []byte
	CPU             CPU
	Errata          Errata
	OnUnknownPacket UnknownPacketCallback
	UnknownCtx      interface{}
}

// New validates and returns a Config. An empty buffer is legal (sync
// on it simply reports eos); a buffer with begin > end is not
// representable since Buffer is a plain slice, so the only invalid input
// here is a nil CPU vendor combined with a non-empty buffer, which is
// rejected to catch accidental zero-value construction.
func New(buffer []byte, cpu CPU, errata Errata, onUnknown UnknownPacketCallback, unknownCtx interface{}) (*Config, error) {
	if len(buffer) > 0 && cpu.Vendor == VendorUnknown {
		return nil, perr.NewMsg(perr.ErrBadConfig, "CPU vendor must be set for a non-empty trace buffer")
	}
	return &Config{
		Buffer:          buffer,
		CPU:             cpu,
		Errata:          errata,
		OnUnknownPacket: onUnknown,
		UnknownCtx:      unknownCtx,
	}, nil
}
