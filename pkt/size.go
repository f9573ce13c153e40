package pkt

import "ptdecode/perr"

// EncodedSize returns the number of bytes p occupies on the wire. Sizes
// are deterministic per packet kind and, for IP packets, per compression
// tag.
func EncodedSize(p Packet) (int, error) {
	switch p.Tag {
	case TagPad:
		return padSize, nil
	case TagTIP, TagTIPPGE, TagTIPPGD, TagFUP:
		n := p.IPCompression.PayloadBytes()
		if n < 0 {
			return 0, perr.NewMsg(perr.ErrBadPacket, "invalid IP compression tag")
		}
		return 1 + n, nil
	case TagTNT8:
		return padSize, nil
	case TagTNT64:
		return 2 + 6, nil
	case TagModeExec, TagModeTSX:
		return modeSize, nil
	case TagPIP:
		return pipSize, nil
	case TagTSC:
		return tscSize, nil
	case TagCBR:
		return cbrSize, nil
	case TagPSB:
		return psbSize, nil
	case TagPSBEnd:
		return psbEndSize, nil
	case TagOVF:
		return ovfSize, nil
	case TagUnknown:
		return len(p.UnknownRaw), nil
	default:
		return 0, perr.NewMsg(perr.ErrBadOpcode, "unrecognized packet tag")
	}
}
