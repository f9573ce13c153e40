package pkt

import "ptdecode/perr"

// Decode reads one packet from the front of buf. On success it returns
// the packet and the number of bytes consumed; the caller (pktdec) is
// responsible for advancing its cursor. On perr.ErrBadOpcode, size is 0
// and the caller should consult the configured unknown-packet callback.
// Decode never partially consumes: on any error the cursor-owning caller
// must treat buf as unchanged.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, perr.New(perr.ErrEOS)
	}

	b0 := buf[0]

	if b0 == opcPad {
		return Packet{Tag: TagPad}, padSize, nil
	}

	if b0 == opcExt {
		return decodeExt(buf)
	}

	if b0 == opcTSC {
		if len(buf) < tscSize {
			return Packet{}, 0, perr.New(perr.ErrEOS)
		}
		return Packet{Tag: TagTSC, TSC: le56ToU64(buf[1:tscSize])}, tscSize, nil
	}

	if b0 == opcMode {
		if len(buf) < modeSize {
			return Packet{}, 0, perr.New(perr.ErrEOS)
		}
		return decodeMode(buf[1])
	}

	if b0&1 == 0 {
		// Even, non-zero: tnt8.
		count, bits, err := decodeTNTField(7, uint64(b0)>>1)
		if err != nil {
			return Packet{}, 0, err
		}
		return Packet{Tag: TagTNT8, TNTCount: count, TNTBits: bits}, padSize, nil
	}

	// Odd byte: one of the IP packets, distinguished by the 5-bit base.
	base, comp := splitIPOpcode(b0)
	tag, ok := ipTagForBase(base)
	if !ok {
		return Packet{}, 0, perr.New(perr.ErrBadOpcode)
	}
	n := comp.PayloadBytes()
	if n < 0 {
		return Packet{}, 0, perr.NewMsg(perr.ErrBadPacket, "invalid IP compression bits")
	}
	if len(buf) < 1+n {
		return Packet{}, 0, perr.New(perr.ErrEOS)
	}
	payload := leToU64(buf[1 : 1+n])
	return Packet{Tag: tag, IPCompression: comp, IPPayload: payload}, 1 + n, nil
}

func ipTagForBase(base byte) (Tag, bool) {
	switch base {
	case opcTIPBase:
		return TagTIP, true
	case opcTIPPGEBase:
		return TagTIPPGE, true
	case opcTIPPGDBase:
		return TagTIPPGD, true
	case opcFUPBase:
		return TagFUP, true
	default:
		return TagUnknown, false
	}
}

func decodeMode(leaf byte) (Packet, int, error) {
	switch ModeLeaf(leaf >> 5) {
	case ModeLeafExec:
		return Packet{
			Tag:     TagModeExec,
			ExecCSL: leaf&(1<<0) != 0,
			ExecCSD: leaf&(1<<1) != 0,
		}, modeSize, nil
	case ModeLeafTSX:
		return Packet{
			Tag:      TagModeTSX,
			TSXIntX:  leaf&(1<<0) != 0,
			TSXAbort: leaf&(1<<1) != 0,
		}, modeSize, nil
	default:
		return Packet{}, 0, perr.NewMsg(perr.ErrBadPacket, "invalid mode leaf selector")
	}
}

func decodeExt(buf []byte) (Packet, int, error) {
	if len(buf) < 2 {
		return Packet{}, 0, perr.New(perr.ErrEOS)
	}
	switch buf[1] {
	case extPSB:
		if len(buf) < psbSize {
			return Packet{}, 0, perr.New(perr.ErrEOS)
		}
		if !isPSBAt(buf) {
			return Packet{}, 0, perr.NewMsg(perr.ErrBadPacket, "malformed PSB pattern")
		}
		return Packet{Tag: TagPSB}, psbSize, nil
	case extPSBEnd:
		return Packet{Tag: TagPSBEnd}, psbEndSize, nil
	case extOVF:
		return Packet{Tag: TagOVF}, ovfSize, nil
	case extPIP:
		if len(buf) < pipSize {
			return Packet{}, 0, perr.New(perr.ErrEOS)
		}
		raw := leToU64(buf[2:pipSize])
		return Packet{
			Tag:        TagPIP,
			CR3:        (raw >> 1) << 5,
			PIPNonRoot: raw&1 != 0,
		}, pipSize, nil
	case extTNT64:
		if len(buf) < 2+6 {
			return Packet{}, 0, perr.New(perr.ErrEOS)
		}
		field := leToU64(buf[2 : 2+6])
		count, bits, err := decodeTNTField(48, field)
		if err != nil {
			return Packet{}, 0, err
		}
		return Packet{Tag: TagTNT64, TNTCount: count, TNTBits: bits}, 2 + 6, nil
	case extCBR:
		if len(buf) < cbrSize {
			return Packet{}, 0, perr.New(perr.ErrEOS)
		}
		return Packet{Tag: TagCBR, CBR: buf[2]}, cbrSize, nil
	default:
		return Packet{}, 0, perr.New(perr.ErrBadOpcode)
	}
}

// isPSBAt reports whether buf starts with a full 16-byte PSB pattern.
func isPSBAt(buf []byte) bool {
	if len(buf) < psbSize {
		return false
	}
	for i := 0; i < psbSize; i += 2 {
		if buf[i] != psbMagic[0] || buf[i+1] != psbMagic[1] {
			return false
		}
	}
	return true
}

func leToU64(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v
}

func le56ToU64(b []byte) uint64 { return leToU64(b) }
