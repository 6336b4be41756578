package vhdx

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/vbin"
)

const (
	LogEntrySignature  = 0x65676F6C // "loge"
	LogEntryHeaderSize = 64
)

// LogEntryHeader starts every entry of the metadata log.
type LogEntryHeader struct {
	Signature         uint32
	Checksum          uint32
	EntryLength       uint32
	Tail              uint32
	SequenceNumber    uint64
	DescriptorCount   uint32
	Reserved          uint32
	LogGUID           uuid.UUID
	FlushedFileOffset uint64
	LastFileOffset    uint64
}

func (h *LogEntryHeader) Size() int {
	return LogEntryHeaderSize
}

func (h *LogEntryHeader) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, LogEntryHeaderSize, "vhdx log entry header"); err != nil {
		return 0, err
	}
	c := vbin.NewCursor(buf, 0, binary.LittleEndian)
	h.Signature = c.Uint32()
	h.Checksum = c.Uint32()
	h.EntryLength = c.Uint32()
	h.Tail = c.Uint32()
	h.SequenceNumber = c.Uint64()
	h.DescriptorCount = c.Uint32()
	h.Reserved = c.Uint32()
	h.LogGUID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.FlushedFileOffset = c.Uint64()
	h.LastFileOffset = c.Uint64()
	return c.Pos(), c.Err()
}

func (h *LogEntryHeader) Encode(buf []byte) (int, error) {
	return 0, vbin.NotSupported("vhdx log entry header")
}

// IsValid only checks the signature. The checksum is left to callers.
func (h *LogEntryHeader) IsValid() bool {
	return h.Signature == LogEntrySignature
}
