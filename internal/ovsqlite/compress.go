package ovsqlite

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// rawPayloadFlag is the leading byte of an uncompressed stored blob
// (spec.md §3.1/§4.3.3). A compressed blob instead starts with
// varint(uncompressed_len), whose first byte is never 0x00 for a
// non-empty payload, so the two framings never collide.
const rawPayloadFlag = 0x00

// basedictFormat mirrors the original server's static dictionary seed
// (ovsqlite-server.c basedict_format): common header tokens that show
// up in nearly every overview payload, so the very first records in a
// freshly-compressed group still compress well.
const basedictFormat = "\tRe: =?UTF-8?Q? =?UTF-8?B? the The and for " +
	"\tMon, \tTue, \tWed, \tThu, \tFri, \tSat, \tSun, " +
	"Jan Feb Mar Apr May Jun Jul Aug Sep Oct Nov Dec " +
	"GMT\t (UTC)\tXref: "

// buildDict synthesizes a per-record preset dictionary by appending the
// group name and the record's article number to the base dictionary, the
// same way make_dict() does in the original server: the tail of the
// dictionary (the part closest to the data being compressed) matters
// most to deflate, so the group-specific suffix goes last.
func buildDict(group string, artnum uint64) []byte {
	tail := fmt.Sprintf("%s:%d\r\n", group, artnum)
	buf := make([]byte, 0, len(basedictFormat)+len(tail))
	buf = append(buf, basedictFormat...)
	buf = append(buf, tail...)
	return buf
}

// compressPayload deflates payload against a per-record dictionary.
// Using the standard library's compress/zlib is a deliberate choice
// here (see DESIGN.md): zlib's preset-dictionary deflate is a stdlib
// feature, so there is nothing an ecosystem package would add.
func compressPayload(group string, artnum uint64, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevelDict(&buf, zlib.BestCompression, buildDict(group, artnum))
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPayload(group string, artnum uint64, compressed []byte) ([]byte, error) {
	r, err := zlib.NewReaderDict(bytes.NewReader(compressed), buildDict(group, artnum))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// encodeStoredPayload frames payload for storage (spec.md §3.1/§4.3.3):
// 0x00 ∥ raw_payload when compress is off, an empty payload is given,
// or compressing didn't help; varint(len(payload)) ∥ deflate_stream
// otherwise. The leading byte always disambiguates the two on read.
func encodeStoredPayload(group string, artnum uint64, payload []byte, compress bool) ([]byte, error) {
	raw := func() []byte {
		out := make([]byte, 0, len(payload)+1)
		out = append(out, rawPayloadFlag)
		return append(out, payload...)
	}
	if !compress || len(payload) == 0 {
		return raw(), nil
	}
	deflated, err := compressPayload(group, artnum, payload)
	if err != nil {
		return nil, err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if n+len(deflated) >= len(payload)+1 {
		return raw(), nil
	}
	out := make([]byte, 0, n+len(deflated))
	out = append(out, lenBuf[:n]...)
	out = append(out, deflated...)
	return out, nil
}

// decodeStoredPayload reverses encodeStoredPayload, dispatching on the
// leading byte rather than guessing via a try-then-fallback decompress.
func decodeStoredPayload(group string, artnum uint64, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	if stored[0] == rawPayloadFlag {
		return stored[1:], nil
	}
	uncompressedLen, n := binary.Uvarint(stored)
	if n <= 0 {
		return nil, fmt.Errorf("ovsqlite: corrupt stored payload: bad varint prefix")
	}
	payload, err := decompressPayload(group, artnum, stored[n:])
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) != uncompressedLen {
		return nil, fmt.Errorf("ovsqlite: corrupt stored payload: decompressed to %d bytes, want %d", len(payload), uncompressedLen)
	}
	return payload, nil
}
