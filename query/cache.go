package query

import "ptdecode/perr"

// tntCache is the bit queue of pending taken/not-taken outcomes. Bits follow pkt.Packet's convention: bit (count-1) is
// oldest, bit 0 is newest, so popping the front never requires a shift.
type tntCache struct {
	bits  uint64
	count uint8
}

func (c *tntCache) clear() { *c = tntCache{} }

// append adds count newly-arrived bits, oldest-of-the-new-batch first,
// to the back of the queue.
func (c *tntCache) append(bits uint64, count uint8) error {
	if int(c.count)+int(count) > 64 {
		return perr.New(perr.ErrNoMem)
	}
	mask := uint64(1)<<count - 1
	c.bits = (c.bits << count) | (bits & mask)
	c.count += count
	return nil
}

func (c *tntCache) peekFront() (bit uint8, ok bool) {
	if c.count == 0 {
		return 0, false
	}
	return uint8((c.bits >> (c.count - 1)) & 1), true
}

func (c *tntCache) popFront() (bit uint8, ok bool) {
	b, ok := c.peekFront()
	if !ok {
		return 0, false
	}
	c.count--
	return b, true
}

func (c *tntCache) isEmpty() bool { return c.count == 0 }

func (c *tntCache) countBits() uint8 { return c.count }
