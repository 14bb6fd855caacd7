package collection

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/blockdb/blockdb/errs"
)

// Index descriptors are a supplemented feature (spec.md §4.6's
// create_index/drop_index) layered outside the bit-exact metadata format,
// so they get their own sidecar file: a sequence of
// name(length-prefixed) + descriptor(length-prefixed) entries, CRC-32
// trailer, written with the same atomic temp+rename discipline as
// metadata and the registry.
const indexesFileName = "indexes"

func writeIndexesFile(path string, indexes []IndexDescriptor) error {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(indexes)))
	for _, idx := range indexes {
		writeLenPrefixed(&buf, []byte(idx.Name))
		writeLenPrefixed(&buf, idx.Descriptor)
	}
	trailer := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, trailer)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errs.IO("collection.writeIndexes", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.IO("collection.writeIndexes", err)
	}
	return nil
}

func readIndexesFile(path string) ([]IndexDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IO("collection.readIndexes", err)
	}
	if len(data) < 4 {
		return nil, errs.New("collection.readIndexes", errs.KindCorruptFrame, nil)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, errs.New("collection.readIndexes", errs.KindCorruptFrame, nil)
	}

	r := bytes.NewReader(body)
	n, err := readU32(r)
	if err != nil {
		return nil, errs.New("collection.readIndexes", errs.KindCorruptFrame, err)
	}
	indexes := make([]IndexDescriptor, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := readLenPrefixed(r)
		if err != nil {
			return nil, errs.New("collection.readIndexes", errs.KindCorruptFrame, err)
		}
		descriptor, err := readLenPrefixed(r)
		if err != nil {
			return nil, errs.New("collection.readIndexes", errs.KindCorruptFrame, err)
		}
		indexes = append(indexes, IndexDescriptor{Name: string(name), Descriptor: descriptor})
	}
	return indexes, nil
}
