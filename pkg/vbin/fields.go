package vbin

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
)

// CString decodes a fixed-length text field, dropping trailing NUL padding.
func CString(data []byte) string {
	return strings.TrimRight(string(data), "\x00")
}

// PutCString writes s into a fixed-length field, NUL padding the remainder.
func PutCString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// UTF16String decodes a NUL-terminated UTF-16 field in the given byte order.
func UTF16String(data []byte, order binary.ByteOrder) string {
	x := make([]uint16, len(data)/2)
	for i := range x {
		x[i] = order.Uint16(data[2*i:])
	}
	for i, c := range x {
		if c == 0 {
			x = x[:i]
			break
		}
	}
	return string(utf16.Decode(x))
}

// PutUTF16String encodes s into dst in the given byte order, NUL padding.
func PutUTF16String(dst []byte, s string, order binary.ByteOrder) {
	for i := range dst {
		dst[i] = 0
	}
	enc := utf16.Encode([]rune(s))
	for i, c := range enc {
		if 2*i+2 > len(dst) {
			break
		}
		order.PutUint16(dst[2*i:], c)
	}
}

// GUIDLittleEndian decodes the Microsoft mixed-endian GUID layout, where the
// first three groups are stored little-endian.
func GUIDLittleEndian(data []byte) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:], binary.LittleEndian.Uint32(data[0:]))
	binary.BigEndian.PutUint16(u[4:], binary.LittleEndian.Uint16(data[4:]))
	binary.BigEndian.PutUint16(u[6:], binary.LittleEndian.Uint16(data[6:]))
	copy(u[8:], data[8:16])
	return u
}

// PutGUIDLittleEndian is the inverse of GUIDLittleEndian.
func PutGUIDLittleEndian(dst []byte, u uuid.UUID) {
	binary.LittleEndian.PutUint32(dst[0:], binary.BigEndian.Uint32(u[0:]))
	binary.LittleEndian.PutUint16(dst[4:], binary.BigEndian.Uint16(u[4:]))
	binary.LittleEndian.PutUint16(dst[6:], binary.BigEndian.Uint16(u[6:]))
	copy(dst[8:16], u[8:])
}

// GUIDBigEndian decodes a GUID stored in RFC 4122 byte order.
func GUIDBigEndian(data []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], data[:16])
	return u
}

// ParseGUID parses a textual GUID. An empty string maps to uuid.Nil.
func ParseGUID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

// fileTimeUnixOffset is the number of 100ns ticks between 1601-01-01 and
// the Unix epoch.
const fileTimeUnixOffset = 116444736000000000

var (
	hfsEpoch = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)
	vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// FileTime decodes a Windows FILETIME (100ns ticks since 1601-01-01 UTC).
func FileTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	ticks := int64(v) - fileTimeUnixOffset
	secs := ticks / 10000000
	nsec := (ticks % 10000000) * 100
	if nsec < 0 {
		secs--
		nsec += int64(time.Second)
	}
	return time.Unix(secs, nsec).UTC()
}

// ToFileTime is the inverse of FileTime.
func ToFileTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix()*10000000 + int64(t.Nanosecond())/100 + fileTimeUnixOffset)
}

// HFSTime decodes an HFS+ timestamp (seconds since 1904-01-01 UTC).
func HFSTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return hfsEpoch.Add(time.Duration(v) * time.Second)
}

// ToHFSTime is the inverse of HFSTime.
func ToHFSTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Sub(hfsEpoch) / time.Second)
}

// VHDTime decodes a VHD timestamp (seconds since 2000-01-01 UTC).
func VHDTime(v uint32) time.Time {
	return vhdEpoch.Add(time.Duration(v) * time.Second)
}

// ToVHDTime is the inverse of VHDTime.
func ToVHDTime(t time.Time) uint32 {
	return uint32(t.Sub(vhdEpoch) / time.Second)
}

// HasSignature reports whether data starts with sig.
func HasSignature(data []byte, sig string) bool {
	return len(data) >= len(sig) && bytes.Equal(data[:len(sig)], []byte(sig))
}
