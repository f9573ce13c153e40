package pkt

// Wire opcodes. Single-byte IP packets (tip/tip.pge/tip.pgd/fup) are odd
// bytes with the IP-compression tag in bits [7:5] and a fixed 5-bit base
// in bits [4:0]; tnt8 is any even, non-zero byte other than opcExt, which
// heads the two-byte extension opcode space. Any other odd byte that is
// not one of the fixed single-byte opcodes below is an unknown opcode.
const (
	opcPad     byte = 0x00
	opcTIPBase byte = 0x0d
	opcTIPPGEBase byte = 0x11
	opcTIPPGDBase byte = 0x01
	opcFUPBase byte = 0x1d
	opcMode    byte = 0x99
	opcTSC     byte = 0x19

	opcExt byte = 0x02 // extension escape: opcode is (opcExt, ext byte)

	extPSB    byte = 0x82
	extPSBEnd byte = 0x23
	extOVF    byte = 0xf3
	extPIP    byte = 0x43
	extTNT64  byte = 0xa3
	extCBR    byte = 0x03
)

const ipBaseMask byte = 0x1f
const ipCompressionShift = 5

func ipOpcode(base byte, c IPCompression) byte {
	return byte(c)<<ipCompressionShift | base
}

func splitIPOpcode(b byte) (base byte, c IPCompression) {
	return b & ipBaseMask, IPCompression(b >> ipCompressionShift)
}

// psbMagic is the 2-byte pattern repeated 8 times (16 bytes total) that
// makes up a PSB.
var psbMagic = [2]byte{opcExt, extPSB}

const psbSize = 16
const psbEndSize = 2
const ovfSize = 2
const pipSize = 8  // 2-byte opcode + 6-byte payload
const tscSize = 8  // 1-byte opcode + 7-byte payload
const cbrSize = 4  // 2-byte opcode + 2-byte payload (ratio + reserved)
const modeSize = 2 // opcode + leaf byte
const padSize = 1
