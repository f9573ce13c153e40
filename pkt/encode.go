package pkt

import "ptdecode/perr"

// Encode serializes p to its wire bytes. It rejects an unrecognized tag
// with bad_opc, and with bad_packet an IP payload wider than its
// compression tag allows or a TNT bit field that does not fit its
// packet. TSC and PIP values are written at their wire widths (the low
// 56 bits of the counter; CR3 bits 51:5); bits outside those are dropped.
func Encode(p Packet) ([]byte, error) {
	switch p.Tag {
	case TagPad:
		return []byte{opcPad}, nil

	case TagTIP, TagTIPPGE, TagTIPPGD, TagFUP:
		return encodeIPPacket(p)

	case TagTNT8:
		field, err := encodeTNTField(7, p.TNTCount, p.TNTBits)
		if err != nil {
			return nil, err
		}
		b := byte(field << 1) // bit0 reserved 0 (tnt8 discriminator: even, nonzero)
		if b == 0 {
			return nil, perr.NewMsg(perr.ErrBadPacket, "tnt8 with zero bits collides with pad")
		}
		if b == opcExt {
			return nil, perr.NewMsg(perr.ErrBadPacket, "tnt8 encoding collides with the extension escape; use tnt64")
		}
		return []byte{b}, nil

	case TagTNT64:
		field, err := encodeTNTField(48, p.TNTCount, p.TNTBits)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2, 8)
		out[0], out[1] = opcExt, extTNT64
		out = append(out, le48(field)...)
		return out, nil

	case TagModeExec:
		leaf := byte(ModeLeafExec) << 5
		if p.ExecCSL {
			leaf |= 1 << 0
		}
		if p.ExecCSD {
			leaf |= 1 << 1
		}
		return []byte{opcMode, leaf}, nil

	case TagModeTSX:
		leaf := byte(ModeLeafTSX) << 5
		if p.TSXIntX {
			leaf |= 1 << 0
		}
		if p.TSXAbort {
			leaf |= 1 << 1
		}
		return []byte{opcMode, leaf}, nil

	case TagPIP:
		payload := (p.CR3 >> 5) << 1
		if p.PIPNonRoot {
			payload |= 1
		}
		out := []byte{opcExt, extPIP}
		return append(out, le48(payload)...), nil

	case TagTSC:
		out := []byte{opcTSC}
		return append(out, le56(p.TSC)...), nil

	case TagCBR:
		return []byte{opcExt, extCBR, p.CBR, 0}, nil

	case TagPSB:
		out := make([]byte, 0, psbSize)
		for i := 0; i < psbSize/2; i++ {
			out = append(out, psbMagic[0], psbMagic[1])
		}
		return out, nil

	case TagPSBEnd:
		return []byte{opcExt, extPSBEnd}, nil

	case TagOVF:
		return []byte{opcExt, extOVF}, nil

	case TagUnknown:
		if len(p.UnknownRaw) == 0 {
			return nil, perr.NewMsg(perr.ErrBadOpcode, "unknown packet has no raw bytes to encode")
		}
		out := make([]byte, len(p.UnknownRaw))
		copy(out, p.UnknownRaw)
		return out, nil

	default:
		return nil, perr.NewMsg(perr.ErrBadOpcode, "unrecognized packet tag")
	}
}

func encodeIPPacket(p Packet) ([]byte, error) {
	n := p.IPCompression.PayloadBytes()
	if n < 0 {
		return nil, perr.NewMsg(perr.ErrBadPacket, "invalid IP compression tag")
	}
	if p.IPPayload>>(8*uint(n)) != 0 {
		return nil, perr.NewMsg(perr.ErrBadPacket, "IP payload wider than its compression allows")
	}
	var base byte
	switch p.Tag {
	case TagTIP:
		base = opcTIPBase
	case TagTIPPGE:
		base = opcTIPPGEBase
	case TagTIPPGD:
		base = opcTIPPGDBase
	case TagFUP:
		base = opcFUPBase
	default:
		return nil, perr.NewMsg(perr.ErrBadOpcode, "not an IP packet tag")
	}
	out := make([]byte, 1, 1+n)
	out[0] = ipOpcode(base, p.IPCompression)
	switch n {
	case 0:
	case 2:
		out = append(out, le16(p.IPPayload)...)
	case 4:
		out = append(out, le32(p.IPPayload)...)
	case 6:
		out = append(out, le48(p.IPPayload)...)
	}
	return out, nil
}

func le16(v uint64) []byte { return []byte{byte(v), byte(v >> 8)} }
func le32(v uint64) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
func le48(v uint64) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40)}
}
func le56(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48),
	}
}
