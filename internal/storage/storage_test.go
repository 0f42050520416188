package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kailas-cloud/secindex/internal/domain"
	"github.com/kailas-cloud/secindex/internal/domain/event"
)

func TestErrNotFound_MatchesDomain(t *testing.T) {
	err := &Error{Op: OpGet, Key: "a", Err: ErrNotFound}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("expected errors.Is(domain.ErrNotFound)")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is(ErrNotFound)")
	}
	if got := err.Error(); got != "storage get a: storage: object not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKeys(t *testing.T) {
	k := NewKeys("")
	tests := []struct {
		key  string
		want bool
	}{
		{".index", true},
		{".index/sbom", true},
		{"/.index/sbom", true},
		{".indexes/sbom", false},
		{"sbom/.index", false},
		{"doc-1.json", false},
	}
	for _, tc := range tests {
		if got := k.IsIndex(tc.key); got != tc.want {
			t.Errorf("IsIndex(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
	if got := k.SnapshotKey("sbom"); got != ".index/sbom" {
		t.Errorf("SnapshotKey = %q", got)
	}
	if got := NewKeys("_idx/").SnapshotKey("vex"); got != "_idx/vex" {
		t.Errorf("custom SnapshotKey = %q", got)
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{"", Identity, false},
		{"none", Identity, false},
		{"ZSTD", Zstd, false},
		{"bzip2", Identity, true},
		{"gzip", Identity, true},
	}
	for _, tc := range tests {
		got, err := ParseCompression(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseCompression(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseEncoding_SuffixFallback(t *testing.T) {
	tests := []struct {
		ce, key string
		want    Encoding
	}{
		{"zstd", "a.json", Zstd},
		{"x-bzip2", "a.json", Bzip2},
		{"identity", "a.json.zst", Identity},
		{"", "a.json.zst", Zstd},
		{"", "a.json.bz2", Bzip2},
		{"gzip", "a.json", Identity},
	}
	for _, tc := range tests {
		if got := ParseEncoding(tc.ce, tc.key); got != tc.want {
			t.Errorf("ParseEncoding(%q, %q) = %q, want %q", tc.ce, tc.key, got, tc.want)
		}
	}
}

func TestZstdRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"bomFormat":"CycloneDX"}`), 100)
	enc, err := Encode(Zstd, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) >= len(data) {
		t.Errorf("expected compression, got %d >= %d", len(enc), len(data))
	}
	dec, err := Decode(Zstd, enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Error("round trip mismatch")
	}
}

func TestEncode_Bzip2Unsupported(t *testing.T) {
	if _, err := Encode(Bzip2, []byte("x")); err == nil {
		t.Fatal("expected error")
	}
}

// advisoryBz2 is `{"id":"CVE-2024-0001","severity":"high"}` plus a newline, compressed with bzip2 -9.
var advisoryBz2 = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xa8, 0xcb,
	0x9e, 0x91, 0x00, 0x00, 0x13, 0xdf, 0x80, 0x00, 0x10, 0x10, 0x06, 0x74,
	0x10, 0x0a, 0x00, 0x01, 0x00, 0x06, 0xe0, 0x1d, 0x2a, 0x20, 0x00, 0x31,
	0x41, 0xa3, 0x46, 0x83, 0x20, 0x34, 0x22, 0x9e, 0x53, 0x68, 0x06, 0x93,
	0x23, 0x36, 0xa8, 0x22, 0xcf, 0x62, 0x13, 0xf6, 0x8d, 0xe5, 0xd8, 0xb0,
	0x68, 0x68, 0xbd, 0x67, 0x3f, 0x07, 0x4e, 0x44, 0xae, 0xef, 0xda, 0xa0,
	0x10, 0xfc, 0x5d, 0xc9, 0x14, 0xe1, 0x42, 0x42, 0xa3, 0x2e, 0x7a, 0x44,
}

const advisoryPlain = "{\"id\":\"CVE-2024-0001\",\"severity\":\"high\"}\n"

func TestDecode_Bzip2(t *testing.T) {
	got, err := Decode(Bzip2, advisoryBz2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != advisoryPlain {
		t.Errorf("got %q", got)
	}
}

func TestDecode_CorruptBzip2(t *testing.T) {
	if _, err := Decode(Bzip2, advisoryBz2[:40]); err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestDecode_CorruptZstd(t *testing.T) {
	if _, err := Decode(Zstd, []byte("not zstd")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeEvent_S3(t *testing.T) {
	payload := []byte(`{"Records":[
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"sbom%2Fapp+1.json"}}},
		{"eventName":"ObjectRemoved:Delete","s3":{"object":{"key":"old.json"}}},
		{"eventName":"s3:ObjectAccessed:Get","s3":{"object":{"key":"read.json"}}}
	]}`)
	got, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []event.StoredObject{
		{Key: "sbom/app 1.json", Operation: event.OpPut},
		{Key: "old.json", Operation: event.OpDelete},
		{Key: "read.json", Operation: event.OpOther},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeEvent_PartialRecords(t *testing.T) {
	payload := []byte(`{"Records":[
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":""}}},
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"ok.json"}}}
	]}`)
	got, err := DecodeEvent(payload)
	if err == nil {
		t.Fatal("expected error describing the skipped record")
	}
	if len(got) != 1 || got[0].Key != "ok.json" {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestDecodeEvent_KeyRef(t *testing.T) {
	got, err := DecodeEvent([]byte(`{"key":"doc-1.json","operation":"put"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Key != "doc-1.json" || !got[0].IsPut() {
		t.Errorf("unexpected events: %v", got)
	}

	got, err = DecodeEvent([]byte(`{"key":"doc-1.json"}`))
	if err != nil || len(got) != 1 || !got[0].IsPut() {
		t.Errorf("missing operation should mean put, got %v, %v", got, err)
	}
}

func TestDecodeEvent_BareKey(t *testing.T) {
	for _, payload := range []string{"doc-1.json", `"doc-1.json"`, "  doc-1.json\n"} {
		got, err := DecodeEvent([]byte(payload))
		if err != nil {
			t.Fatalf("DecodeEvent(%q): %v", payload, err)
		}
		if len(got) != 1 || got[0].Key != "doc-1.json" || !got[0].IsPut() {
			t.Errorf("DecodeEvent(%q) = %v", payload, got)
		}
	}
}

func TestDecodeEvent_Unrecognized(t *testing.T) {
	for _, payload := range []string{"", "   ", `{"foo":1}`, `{"key":""}`, "{broken", "a\nb"} {
		if _, err := DecodeEvent([]byte(payload)); !errors.Is(err, ErrUnrecognizedPayload) {
			t.Errorf("DecodeEvent(%q) err = %v, want ErrUnrecognizedPayload", payload, err)
		}
	}
}

func TestEncodeNotification_RoundTrip(t *testing.T) {
	for _, op := range []event.Operation{event.OpPut, event.OpDelete} {
		data, err := EncodeNotification("dir/a b.json", op)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != 1 || got[0].Key != "dir/a b.json" || got[0].Operation != op {
			t.Errorf("round trip for %s = %v", op, got)
		}
	}
}

func TestEncodeKeyRef_RoundTrip(t *testing.T) {
	data, err := EncodeKeyRef("x/y.json", event.OpPut)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil || len(got) != 1 || got[0].Key != "x/y.json" || !got[0].IsPut() {
		t.Errorf("round trip = %v, %v", got, err)
	}
}
