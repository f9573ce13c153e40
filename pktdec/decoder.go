// Package pktdec is the cursor-based sequential packet reader: it walks
// a Config's buffer one packet at a time and knows how to resynchronize
// on a PSB from any byte offset.
package pktdec

import (
	"ptdecode/config"
	"ptdecode/perr"
	"ptdecode/pkt"
)

// Decoder holds a byte cursor and last-sync cursor into a Config's buffer.
type Decoder struct {
	cfg      *config.Config
	cursor   int
	lastSync int
	hasSync  bool
}

// New creates a packet decoder positioned at the start of cfg.Buffer.
func New(cfg *config.Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// Cursor returns the current byte offset into the buffer.
func (d *Decoder) Cursor() int { return d.cursor }

// LastSync returns the offset of the most recent PSB the decoder is
// synchronized to, and whether one has been found yet.
func (d *Decoder) LastSync() (int, bool) { return d.lastSync, d.hasSync }

// AtEOS reports whether the cursor has reached the end of the buffer.
func (d *Decoder) AtEOS() bool { return d.cursor >= len(d.cfg.Buffer) }

const psbWindow = 16 // a PSB is 8 repeats of a 2-byte pattern

// SyncForward scans forward from the cursor for the next PSB. A cursor
// positioned anywhere inside the repeating pattern is recoverable: it
// matches any 0x02 0x82 / 0x82 0x02 pair then walks back to the true
// 16-byte PSB header.
func (d *Decoder) SyncForward() error {
	buf := d.cfg.Buffer
	for i := d.cursor; i+2 <= len(buf); i++ {
		if !isMagicPairAt(buf, i) {
			continue
		}
		if start, ok := findPSBStart(buf, i); ok {
			d.cursor = start
			d.lastSync = start
			d.hasSync = true
			return nil
		}
	}
	return perr.NewAt(perr.ErrEOS, int64(d.cursor))
}

// SyncBackward scans backward from the cursor for the nearest preceding
// PSB.
func (d *Decoder) SyncBackward() error {
	buf := d.cfg.Buffer
	for i := d.cursor - 1; i >= 0; i-- {
		if i+2 > len(buf) {
			continue
		}
		if !isMagicPairAt(buf, i) {
			continue
		}
		if start, ok := findPSBStart(buf, i); ok && start < d.cursor {
			d.cursor = start
			d.lastSync = start
			d.hasSync = true
			return nil
		}
	}
	return perr.NewAt(perr.ErrNoSync, int64(d.cursor))
}

// SyncSet requires that offset be the start of a well-formed PSB;
// otherwise it fails with ErrNoSync and leaves the cursor unchanged.
func (d *Decoder) SyncSet(offset int) error {
	buf := d.cfg.Buffer
	if offset < 0 || offset+psbWindow > len(buf) || !isPSBPattern(buf[offset:]) {
		return perr.NewAt(perr.ErrNoSync, int64(offset))
	}
	d.cursor = offset
	d.lastSync = offset
	d.hasSync = true
	return nil
}

// HardSyncSet unconditionally repositions the cursor, regardless of what
// is there. It exists for callers (typically an encoder building a
// synthetic stream) that already know the offset is a valid sync point.
func (d *Decoder) HardSyncSet(offset int) error {
	if offset < 0 || offset > len(d.cfg.Buffer) {
		return perr.NewAt(perr.ErrInvalid, int64(offset))
	}
	d.cursor = offset
	d.lastSync = offset
	d.hasSync = true
	return nil
}

// Next decodes one packet at the cursor and advances by its size. On any
// failure the cursor is left unchanged, so the caller can resync and
// retry.
func (d *Decoder) Next() (pkt.Packet, error) {
	buf := d.cfg.Buffer
	if d.cursor >= len(buf) {
		return pkt.Packet{}, perr.NewAt(perr.ErrEOS, int64(d.cursor))
	}

	p, n, err := pkt.Decode(buf[d.cursor:])
	if err != nil {
		if perr.Code(err) == perr.ErrBadOpcode && d.cfg.OnUnknownPacket != nil {
			return d.decodeUnknown()
		}
		return pkt.Packet{}, withOffset(err, d.cursor)
	}

	if p.Tag == pkt.TagPSB {
		d.lastSync = d.cursor
		d.hasSync = true
	}
	d.cursor += n
	return p, nil
}

func (d *Decoder) decodeUnknown() (pkt.Packet, error) {
	buf := d.cfg.Buffer
	consumed, cbErr := d.cfg.OnUnknownPacket(d.cursor, d.cfg.UnknownCtx)
	if cbErr != nil {
		return pkt.Packet{}, perr.NewAtMsg(perr.ErrBadOpcode, int64(d.cursor), "unknown-packet callback failed").Wrap(cbErr)
	}
	if consumed <= 0 || d.cursor+consumed > len(buf) {
		// a callback-reported size exceeding the buffer is bad_packet
		return pkt.Packet{}, perr.NewAt(perr.ErrBadPacket, int64(d.cursor))
	}
	raw := append([]byte(nil), buf[d.cursor:d.cursor+consumed]...)
	up := pkt.Packet{Tag: pkt.TagUnknown, UnknownOpcode: buf[d.cursor], UnknownRaw: raw}
	d.cursor += consumed
	return up, nil
}

func withOffset(err error, offset int) error {
	if e, ok := err.(*perr.Error); ok && e.Offset == perr.NoOffset {
		e.Offset = int64(offset)
		return e
	}
	return err
}

func isMagicPairAt(buf []byte, i int) bool {
	return (buf[i] == 0x02 && buf[i+1] == 0x82) || (buf[i] == 0x82 && buf[i+1] == 0x02)
}

// findPSBStart looks for the earliest offset within [hit-15, hit] that
// begins a full, valid 16-byte PSB pattern covering the hit position.
func findPSBStart(buf []byte, hit int) (int, bool) {
	lo := hit - (psbWindow - 1)
	if lo < 0 {
		lo = 0
	}
	for s := lo; s <= hit; s++ {
		if s+psbWindow <= len(buf) && isPSBPattern(buf[s:]) {
			return s, true
		}
	}
	return 0, false
}

func isPSBPattern(buf []byte) bool {
	if len(buf) < psbWindow {
		return false
	}
	for i := 0; i < psbWindow; i += 2 {
		if buf[i] != 0x02 || buf[i+1] != 0x82 {
			return false
		}
	}
	return true
}
