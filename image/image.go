package image

import (
	"os"

	"ptdecode/perr"
)

// section is one mapped file range, loaded eagerly into memory at
// AddFile time.
type section struct {
	filename string
	asid     ASID
	vaddr    uint64 // start of the mapped range
	data     []byte
}

func (s *section) end() uint64 { return s.vaddr + uint64(len(s.data)) }

func overlaps(aLo, aHi, bLo, bHi uint64) bool {
	return aLo < bHi && bLo < aHi
}

// MemoryCallback is the fallback read for addresses not covered by any
// section.
type MemoryCallback func(ctx interface{}, asid ASID, ip uint64, data []byte) (int, error)

// NewCR3Callback supports lazy binary load: invoked once per freshly
// observed CR3 that misses every section.
type NewCR3Callback func(ctx interface{}, cr3 uint64, ip uint64) error

// Image is the traced-image section store the instruction-flow decoder
// reads code bytes from.
type Image struct {
	sections []*section

	memCB  MemoryCallback
	memCtx interface{}

	newCR3CB  NewCR3Callback
	newCR3Ctx interface{}
}

// New returns an empty traced-image store.
func New() *Image {
	return &Image{}
}

// AddFile maps size bytes of filename starting at fileOffset into asid's
// address space at vaddr. Rejects a range that overlaps an existing
// section in a matching address space with ErrBadImage.
func (im *Image) AddFile(filename string, fileOffset int64, size uint64, asid ASID, vaddr uint64) error {
	if size == 0 {
		return perr.NewMsg(perr.ErrInvalid, "zero-length file mapping")
	}
	end := vaddr + size
	if end < vaddr {
		return perr.NewMsg(perr.ErrInvalid, "vaddr range overflows 64 bits")
	}
	for _, s := range im.sections {
		if s.asid.matches(asid) && overlaps(vaddr, end, s.vaddr, s.end()) {
			return perr.NewMsg(perr.ErrBadImage, "section overlaps an existing mapping")
		}
	}

	f, err := os.Open(filename)
	if err != nil {
		return perr.New(perr.ErrInvalid).Wrap(err)
	}
	defer f.Close()

	data := make([]byte, size)
	n, err := f.ReadAt(data, fileOffset)
	if err != nil && uint64(n) < size {
		return perr.New(perr.ErrInvalid).Wrap(err)
	}

	im.sections = append(im.sections, &section{
		filename: filename,
		asid:     asid,
		vaddr:    vaddr,
		data:     data[:n],
	})
	return nil
}

// RemoveByFilename removes every section loaded from filename within
// asid's address space, returning the count removed.
func (im *Image) RemoveByFilename(filename string, asid ASID) int {
	return im.removeWhere(func(s *section) bool {
		return s.filename == filename && s.asid.matches(asid)
	})
}

// RemoveByASID removes every section mapped into asid's address space.
func (im *Image) RemoveByASID(asid ASID) int {
	return im.removeWhere(func(s *section) bool { return s.asid.matches(asid) })
}

func (im *Image) removeWhere(pred func(*section) bool) int {
	kept := im.sections[:0]
	removed := 0
	for _, s := range im.sections {
		if pred(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	im.sections = kept
	return removed
}

// CopyFrom merges other's sections into im, skipping any that overlap a
// section already present. Returns the count of skipped overlaps.
func (im *Image) CopyFrom(other *Image) int {
	ignored := 0
	for _, s := range other.sections {
		conflict := false
		for _, existing := range im.sections {
			if existing.asid.matches(s.asid) && overlaps(s.vaddr, s.end(), existing.vaddr, existing.end()) {
				conflict = true
				break
			}
		}
		if conflict {
			ignored++
			continue
		}
		cp := *s
		cp.data = append([]byte(nil), s.data...)
		im.sections = append(im.sections, &cp)
	}
	return ignored
}

// SetMemoryCallback installs the fallback read used when no section
// covers the requested address.
func (im *Image) SetMemoryCallback(cb MemoryCallback, ctx interface{}) {
	im.memCB, im.memCtx = cb, ctx
}

// SetNewCR3Callback installs the lazy-load hook that TryLoadCR3 invokes
// after a read under a CR3 misses every section.
func (im *Image) SetNewCR3Callback(cb NewCR3Callback, ctx interface{}) {
	im.newCR3CB, im.newCR3Ctx = cb, ctx
}

// Read fills data from the section (or memory callback) covering asid at
// ip, returning the number of bytes read. Returns perr.ErrNoMap if
// nothing covers the address.
func (im *Image) Read(data []byte, asid ASID, ip uint64) (int, error) {
	for _, s := range im.sections {
		if !s.asid.matches(asid) || ip < s.vaddr || ip >= s.end() {
			continue
		}
		n := copy(data, s.data[ip-s.vaddr:])
		return n, nil
	}
	if im.memCB != nil {
		n, err := im.memCB(im.memCtx, asid, ip, data)
		if err != nil {
			return 0, perr.New(perr.ErrNoMap).Wrap(err)
		}
		return n, nil
	}
	return 0, perr.New(perr.ErrNoMap)
}

// TryLoadCR3 invokes the new-CR3 callback, if any, reporting whether one
// is installed and what it returned. The instruction-flow decoder uses
// this to retry a failed read exactly once per freshly observed CR3.
func (im *Image) TryLoadCR3(cr3, ip uint64) (handled bool, err error) {
	if im.newCR3CB == nil {
		return false, nil
	}
	return true, im.newCR3CB(im.newCR3Ctx, cr3, ip)
}

// HasSections reports whether any section is currently mapped, for
// tests and diagnostics.
func (im *Image) HasSections() bool { return len(im.sections) > 0 }
