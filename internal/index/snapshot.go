package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/kailas-cloud/secindex/internal/domain"
)

// Snapshot layout: magic, big-endian xxhash64 of the body, big-endian commit sequence, then the
// zstd-compressed body. The body is a sequence of uvarint-length-prefixed JSON records: one header
// followed by one record per document.
const (
	SnapshotMagic      = "SIX2"
	SnapshotHeaderSize = 4 + 8 + 8
)

const (
	checksumAt = 4
	sequenceAt = checksumAt + 8
)

type snapshotHeader struct {
	Schema   string    `json:"schema"`
	Version  int       `json:"version"`
	Sequence uint64    `json:"sequence"`
	Count    int       `json:"count"`
	Created  time.Time `json:"created"`
}

// storedDoc is a committed document as kept by a generation, the journal and snapshots.
type storedDoc struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
	Source []byte         `json:"source"`
}

var (
	snapEncoder, _ = zstd.NewWriter(nil)
	snapDecoder, _ = zstd.NewReader(nil)
)

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
}

func checkHead(head []byte) error {
	if len(head) < SnapshotHeaderSize {
		return corrupt("short header: %d bytes", len(head))
	}
	if string(head[:checksumAt]) != SnapshotMagic {
		return corrupt("bad magic %q", head[:checksumAt])
	}
	return nil
}

// SnapshotChecksum returns the body checksum recorded in the first SnapshotHeaderSize bytes.
// Two snapshots with the same checksum hold the same content.
func SnapshotChecksum(head []byte) (uint64, error) {
	if err := checkHead(head); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(head[checksumAt:sequenceAt]), nil
}

// SnapshotSequence returns the commit sequence recorded in the first SnapshotHeaderSize bytes.
func SnapshotSequence(head []byte) (uint64, error) {
	if err := checkHead(head); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(head[sequenceAt:SnapshotHeaderSize]), nil
}

func encodeSnapshot(h snapshotHeader, docs []storedDoc) ([]byte, error) {
	var body []byte
	appendRecord := func(v any) error {
		rec, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = binary.AppendUvarint(body, uint64(len(rec)))
		body = append(body, rec...)
		return nil
	}

	h.Count = len(docs)
	if err := appendRecord(h); err != nil {
		return nil, fmt.Errorf("encode snapshot header: %w", err)
	}
	for i := range docs {
		if err := appendRecord(&docs[i]); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", docs[i].ID, err)
		}
	}

	compressed := snapEncoder.EncodeAll(body, nil)
	out := make([]byte, 0, SnapshotHeaderSize+len(compressed))
	out = append(out, SnapshotMagic...)
	out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(compressed))
	out = binary.BigEndian.AppendUint64(out, h.Sequence)
	return append(out, compressed...), nil
}

func decodeSnapshot(data []byte) (snapshotHeader, []storedDoc, error) {
	var h snapshotHeader
	sum, err := SnapshotChecksum(data)
	if err != nil {
		return h, nil, err
	}
	compressed := data[SnapshotHeaderSize:]
	if got := xxhash.Sum64(compressed); got != sum {
		return h, nil, corrupt("checksum mismatch: %016x != %016x", got, sum)
	}
	body, err := snapDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return h, nil, corrupt("decompress: %v", err)
	}

	r := bytes.NewReader(body)
	next := func(v any) error {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return err
		}
		if n > uint64(r.Len()) {
			return fmt.Errorf("record length %d exceeds remaining %d bytes", n, r.Len())
		}
		rec := make([]byte, n)
		if _, err := r.Read(rec); err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(rec))
		dec.UseNumber()
		return dec.Decode(v)
	}

	if err := next(&h); err != nil {
		return h, nil, corrupt("header: %v", err)
	}
	if h.Count < 0 {
		return h, nil, corrupt("negative document count")
	}
	docs := make([]storedDoc, 0, min(h.Count, r.Len()))
	for i := 0; i < h.Count; i++ {
		var d storedDoc
		if err := next(&d); err != nil {
			return h, nil, corrupt("document %d: %v", i, err)
		}
		if d.ID == "" {
			return h, nil, corrupt("document %d: empty id", i)
		}
		docs = append(docs, d)
	}
	if r.Len() != 0 {
		return h, nil, corrupt("%d trailing bytes", r.Len())
	}
	if seq := binary.BigEndian.Uint64(data[sequenceAt:SnapshotHeaderSize]); seq != h.Sequence {
		return h, nil, corrupt("header sequence %d does not match body sequence %d", seq, h.Sequence)
	}
	return h, docs, nil
}
