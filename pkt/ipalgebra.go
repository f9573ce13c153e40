package pkt

// ApplyIPCompression implements the IP-compression update algebra:
// given a prior (possibly invalid) compressed IP `last` and a
// packet's compression tag/payload, it returns the new IP and whether it
// is valid. `suppressed` always returns (last, false); the caller must
// not trust the returned value, only that it left `last` logically
// unchanged for subsequent updates.
func ApplyIPCompression(last uint64, c IPCompression, payload uint64) (ip uint64, valid bool) {
	switch c {
	case IPSuppressed:
		return last, false
	case IPUpdate16:
		return (last &^ 0xffff) | (payload & 0xffff), true
	case IPUpdate32:
		return (last &^ 0xffffffff) | (payload & 0xffffffff), true
	case IPSext48:
		return signExtend48(payload), true
	default:
		return last, false
	}
}

func signExtend48(payload uint64) uint64 {
	v := payload & 0xffffffffffff
	if v&(1<<47) != 0 {
		mask := ^uint64(0)
		v |= mask << 48
	}
	return v
}

// MinimalCompression picks the narrowest IPCompression that, applied to
// `last`, reproduces `ip` exactly. Encoders use this to choose a
// compression automatically; it never returns IPSuppressed, which
// callers must request explicitly. It assumes ip is a canonical address (bits
// 63:47 all equal bit 47), the only kind Intel PT ever carries; a
// non-canonical ip falls back to sext-48 and will not round-trip.
func MinimalCompression(last, ip uint64) IPCompression {
	if last&^uint64(0xffff) == ip&^uint64(0xffff) {
		return IPUpdate16
	}
	if last&^uint64(0xffffffff) == ip&^uint64(0xffffffff) {
		return IPUpdate32
	}
	return IPSext48
}

// PayloadFor extracts the raw right-zero-extended payload word that,
// encoded at compression c, reproduces ip (assuming c is wide enough;
// callers should use MinimalCompression or verify with ApplyIPCompression
// round-tripping first).
func PayloadFor(c IPCompression, ip uint64) uint64 {
	switch c {
	case IPUpdate16:
		return ip & 0xffff
	case IPUpdate32:
		return ip & 0xffffffff
	case IPSext48:
		return ip & 0xffffffffffff
	default:
		return 0
	}
}
