package collection

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/blockdb/blockdb/errs"
)

const metadataVersion uint32 = 1

// IndexDescriptor is a named, opaque index declaration recorded against a
// collection. The core engine never consults it for reads (spec.md
// §4.6) — maintaining the index is a higher layer's responsibility.
type IndexDescriptor struct {
	Name       string
	Descriptor []byte
}

// Metadata is one collection's persisted record, per spec.md §3/§6: name,
// creation time, optional creator and schema descriptor, and an opaque
// settings blob. Indexes are a supplemented feature layered on top and
// live in a separate sidecar file (see indexes.go) so the bit-exact
// "metadata" file format of spec.md §6 is unaffected.
type Metadata struct {
	ID               string
	Name             string
	CreatedAtMs      int64
	CreatedBy        string
	SchemaDescriptor []byte
	Settings         []byte
	Indexes          []IndexDescriptor
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func newMetadata(id, name, createdBy string, schema, settings []byte, now time.Time) Metadata {
	return Metadata{
		ID:               id,
		Name:             name,
		CreatedAtMs:      now.UnixMilli(),
		CreatedBy:        createdBy,
		SchemaDescriptor: schema,
		Settings:         settings,
	}
}

// writeMetadataFile serializes m to path per spec.md §6: version(u32),
// name, created_at_ms(u64), created_by optional, schema blob optional,
// settings blob, followed by a CRC-32 trailer over everything before it.
func writeMetadataFile(path string, m Metadata) error {
	var buf bytes.Buffer

	writeU32(&buf, metadataVersion)
	writeLenPrefixed(&buf, []byte(m.Name))
	writeU64(&buf, uint64(m.CreatedAtMs))
	writeLenPrefixed(&buf, []byte(m.CreatedBy))
	writeLenPrefixed(&buf, m.SchemaDescriptor)
	writeLenPrefixed(&buf, m.Settings)

	trailer := crc32.ChecksumIEEE(buf.Bytes())
	trailerBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailerBuf, trailer)
	buf.Write(trailerBuf)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errs.IO("collection.writeMetadata", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.IO("collection.writeMetadata", err)
	}
	return nil
}

// readMetadataFile parses a file written by writeMetadataFile, verifying
// its CRC-32 trailer before trusting any field.
func readMetadataFile(path, id string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, errs.IO("collection.readMetadata", err)
	}
	if len(data) < 4 {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, io.ErrUnexpectedEOF)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, nil)
	}

	r := bytes.NewReader(body)
	_, err = readU32(r) // version, unused for now: only one format exists
	if err != nil {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, err)
	}
	name, err := readLenPrefixed(r)
	if err != nil {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, err)
	}
	createdAt, err := readU64(r)
	if err != nil {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, err)
	}
	createdBy, err := readLenPrefixed(r)
	if err != nil {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, err)
	}
	schema, err := readLenPrefixed(r)
	if err != nil {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, err)
	}
	settings, err := readLenPrefixed(r)
	if err != nil {
		return Metadata{}, errs.New("collection.readMetadata", errs.KindCorruptFrame, err)
	}

	return Metadata{
		ID:               id,
		Name:             string(name),
		CreatedAtMs:      int64(createdAt),
		CreatedBy:        string(createdBy),
		SchemaDescriptor: schema,
		Settings:         settings,
	}, nil
}

func writeU32(w io.Writer, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	w.Write(b)
}

func writeU64(w io.Writer, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	w.Write(b)
}

func writeLenPrefixed(w io.Writer, b []byte) {
	writeU32(w, uint32(len(b)))
	w.Write(b)
}

func readU32(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func readU64(r io.Reader) (uint64, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
