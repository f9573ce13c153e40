// Package ptdecode decodes Intel Processor Trace: a packet codec (pkt),
// a cursor-based packet reader (pktdec), a query decoder answering
// branch and event queries over the packet stream (query), and an
// instruction-flow decoder reconstructing the executed instruction
// sequence against a traced image (insn, image). This file only ties
// the layers together; each package is usable on its own.
package ptdecode

import (
	"ptdecode/config"
	"ptdecode/image"
	"ptdecode/insn"
	"ptdecode/pktdec"
	"ptdecode/query"
)

// NewPacketDecoder builds a packet decoder over a raw trace buffer.
func NewPacketDecoder(buf []byte, cpu config.CPU, errata config.Errata) (*pktdec.Decoder, error) {
	cfg, err := config.New(buf, cpu, errata, nil, nil)
	if err != nil {
		return nil, err
	}
	return pktdec.New(cfg), nil
}

// NewQueryDecoder builds a query decoder over a raw trace buffer. The
// decoder starts unsynchronized; call SyncForward or Sync before
// querying.
func NewQueryDecoder(buf []byte, cpu config.CPU, errata config.Errata) (*query.Decoder, error) {
	cfg, err := config.New(buf, cpu, errata, nil, nil)
	if err != nil {
		return nil, err
	}
	return query.New(cfg), nil
}

// NewInstructionDecoder builds an instruction-flow decoder over a raw
// trace buffer, reading code from img and classifying it with cls.
func NewInstructionDecoder(buf []byte, cpu config.CPU, errata config.Errata, img *image.Image, cls insn.Classifier) (*insn.Decoder, error) {
	cfg, err := config.New(buf, cpu, errata, nil, nil)
	if err != nil {
		return nil, err
	}
	q := query.New(cfg)
	if err := q.SyncForward(); err != nil {
		return nil, err
	}
	return insn.New(cfg, q, img, cls), nil
}
