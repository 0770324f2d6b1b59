// Package metasynth synthesizes the per-member metadata blob
// consumed by the file server: three concatenated sections, each
// terminated by an Adler-32 checksum of the preceding section's
// bytes.
package metasynth

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"runtime"
)

// TokenTranslator maps (uid, gid, mode) to an opaque policy token.
// It's the token-translation callback named as an external
// collaborator; a nil TokenTranslator yields an empty token string,
// matching the no-callback-registered case.
type TokenTranslator interface {
	Translate(uid, gid, mode int64) string
}

// Kind selects the type-tag byte written into section 1.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlinkedDirectory
)

func (k Kind) tag() byte {
	switch k {
	case KindDirectory:
		return 'd'
	case KindSymlinkedDirectory:
		return 'l'
	default:
		return 'f'
	}
}

// Stat carries the subset of a decoded tar header needed to build a
// member's metadata blob.
type Stat struct {
	Name          string
	Kind          Kind
	Mode          int64
	UID           int64
	GID           int64
	Mtime         int64
	SymlinkTarget string
}

const metadataVersion = 1

// Build synthesizes the metadata blob for one member.
func Build(s Stat, tok TokenTranslator) []byte {
	var out bytes.Buffer

	writeSection(&out, buildFilenameSection(s))
	writeSection(&out, buildCommonSection(s, tok))
	writeSection(&out, buildOSSection(s))

	return out.Bytes()
}

// writeSection appends a section's bytes followed by its little-endian
// Adler-32 checksum.
func writeSection(out *bytes.Buffer, section []byte) {
	out.Write(section)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], adler32.Checksum(section))
	out.Write(sum[:])
}

// buildFilenameSection builds section 1: tag byte, then a type prefix
// followed by the filename as a length-prefixed string.
func buildFilenameSection(s Stat) []byte {
	var b bytes.Buffer
	b.WriteByte(metadataVersion)
	name := string(s.Kind.tag()) + s.Name
	writeLenPrefixedString(&b, name)
	return b.Bytes()
}

// buildCommonSection builds section 2: version byte, five varints
// (reserved, mtime, reserved, reserved, reserved), then the
// token-translation string.
func buildCommonSection(s Stat, tok TokenTranslator) []byte {
	var b bytes.Buffer
	b.WriteByte(metadataVersion)
	writeVarint(&b, 0)
	writeVarint(&b, uint64(s.Mtime))
	writeVarint(&b, 0)
	writeVarint(&b, 0)
	writeVarint(&b, 0)

	token := ""
	if tok != nil {
		token = tok.Translate(s.UID, s.GID, s.Mode)
	}
	writeLenPrefixedString(&b, token)
	return b.Bytes()
}

// buildOSSection builds section 3: on POSIX-flavored builds, a stat
// serialization plus symlink target; on Windows, a bit-exact attribute
// and filetime layout.
func buildOSSection(s Stat) []byte {
	var b bytes.Buffer
	if runtime.GOOS == "windows" {
		b.WriteByte(1)
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], 0) // attributes
		b.Write(u32[:])
		writeVarint(&b, 0) // creation time
		writeVarint(&b, 0) // last access time
		ft := toWindowsFiletime(s.Mtime)
		writeVarint(&b, ft) // modify time
		writeVarint(&b, ft) // ctime
		b.WriteByte(0)
		return b.Bytes()
	}

	writeStatBuf(&b, s)
	var i64 [8]byte
	binary.LittleEndian.PutUint64(i64[:], 0)
	b.Write(i64[:])
	return b.Bytes()
}

// writeStatBuf serializes the POSIX stat fields plus symlink target.
func writeStatBuf(b *bytes.Buffer, s Stat) {
	writeVarint(b, uint64(int64(s.Mode)))
	writeVarint(b, uint64(int64(s.UID)))
	writeVarint(b, uint64(int64(s.GID)))
	writeVarint(b, uint64(int64(s.Mtime)))
	writeLenPrefixedString(b, s.SymlinkTarget)
}

// toWindowsFiletime converts a Unix mtime to a Windows FILETIME
// (100ns ticks since 1601-01-01).
func toWindowsFiletime(unixSec int64) uint64 {
	const epochDiff = 11644473600
	return uint64(unixSec+epochDiff) * 10000000
}

// writeLenPrefixedString appends a uint16 little-endian length
// followed by the string's bytes.
func writeLenPrefixedString(b *bytes.Buffer, s string) {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	b.Write(l[:])
	b.WriteString(s)
}
