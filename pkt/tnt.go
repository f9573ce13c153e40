package pkt

import "ptdecode/perr"

// encodeTNTField packs count outcome bits (bit count-1 oldest .. bit 0
// newest) plus a terminating stop bit into a field of the given width,
// MSB first: [oldest ... newest][stop=1][zero padding]. count must leave
// room for the stop bit, i.e. count <= width-1.
func encodeTNTField(width int, count uint8, bits uint64) (uint64, error) {
	if int(count) > width-1 {
		return 0, perr.NewMsg(perr.ErrBadPacket, "TNT bit count exceeds field capacity")
	}
	if count < 64 && bits>>count != 0 {
		return 0, perr.NewMsg(perr.ErrBadPacket, "TNT bits wider than count")
	}
	stopPos := width - 1 - int(count)
	field := uint64(1) << stopPos
	field |= bits << (stopPos + 1)
	return field, nil
}

// decodeTNTField is the inverse of encodeTNTField: it finds the stop bit
// (lowest set bit) and returns the real outcome count and bits.
func decodeTNTField(width int, field uint64) (count uint8, bits uint64, err error) {
	if field == 0 {
		return 0, 0, perr.NewMsg(perr.ErrBadPacket, "TNT field has no stop bit")
	}
	stopPos := trailingZeros64(field)
	if stopPos >= width {
		return 0, 0, perr.NewMsg(perr.ErrBadPacket, "TNT stop bit outside field")
	}
	n := width - 1 - stopPos
	bits = field >> (stopPos + 1)
	return uint8(n), bits, nil
}

func trailingZeros64(v uint64) int {
	if v == 0 {
		return 64
	}
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}
