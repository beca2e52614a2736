// Package ovsqlite implements the single-writer SQL overview backend
// (spec.md §4.3/§4.4): a length-prefixed binary wire protocol over a
// local stream socket, a single-process event loop batching writes
// into bounded transactions, and a thin client stub.
package ovsqlite

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is bumped whenever the wire format changes.
const ProtocolVersion = 1

// SchemaVersion is the sqlite schema's forward-only version counter.
const SchemaVersion = 2

// CookieLength is the size of the authentication cookie written to the
// port file on systems without Unix-domain sockets (spec.md §4.3.1).
const CookieLength = 16

// MaxOvDataSize is the largest overview payload accepted.
const MaxOvDataSize = 100000

// SearchSpace is the default response-size budget for a search_group
// batch; the same size as ClientSearchBuffer (spec.md
// ovsqlite-private.h).
const SearchSpace = 0x20000

// ClientSearchBuffer is the client-side search cache size (spec.md §6.2).
const ClientSearchBuffer = 0x20000

// OversizeLimit is the maximum accepted request frame size (spec.md §6.2).
const OversizeLimit = 0x100000

// Request codes, in the exact order of the original ovsqlite-private.h
// enum (spec.md §4.3.4/§6.2 — "must stay in sync with the dispatch
// table or things will explode").
const (
	ReqHello uint8 = iota
	ReqSetCutoffLow
	ReqAddGroup
	ReqGetGroupInfo
	ReqDeleteGroup
	ReqListGroups
	ReqAddArticle
	ReqGetArtInfo
	ReqDeleteArticle
	ReqSearchGroup
	ReqStartExpireGroup
	ReqExpireGroup
	ReqFinishExpire
	ReqSetWatermarks

	reqCount
)

// Response codes. Success < 0x80, error >= 0x80, fatal >= 0xC0
// (spec.md §4.3.4/§6.2).
const (
	RespOk uint8 = 0x00 + iota
	RespDone
	RespGroupInfo
	RespGroupList
	RespGroupListDone
	RespArtInfo
	RespArtList
	RespArtListDone
)

const (
	RespError uint8 = 0x80 + iota
	RespSequenceError
	RespSqlError
	RespCorrupted
	RespNoGroup
	RespNoArticle
	RespDupArticle
	RespOldArticle
)

const (
	RespFatal uint8 = 0xC0 + iota
	RespBadRequest
	RespOversized
	RespWrongState
	RespWrongVersion
	RespFailedAuth
)

// Search flag/column bitmasks (spec.md §6.2).
const (
	SearchFlagHigh uint8 = 0x01
)

const (
	SearchColArrived uint8 = 1 << iota
	SearchColExpires
	SearchColToken
	SearchColOverview

	SearchColsAll = SearchColArrived | SearchColExpires | SearchColToken | SearchColOverview
)

// IsFatal reports whether a response code means "close after send".
func IsFatal(code uint8) bool { return code >= RespFatal }

// IsError reports whether a response code is any error (including fatal).
func IsError(code uint8) bool { return code >= RespError }

// --- frame reader/writer ---
//
// Every frame is u32 total-length-including-header, u8 code, body.
// All multi-byte integers are written in the host's native byte
// order, exactly as ovsqlite-private.h specifies (both ends of this
// socket always run on the same host).

var nativeOrder = binary.NativeEndian

func ReadFrame(r io.Reader) (code uint8, body []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	total := nativeOrder.Uint32(lenBuf[:])
	if total < 5 {
		return 0, nil, fmt.Errorf("ovsqlite: frame too short (%d)", total)
	}
	if total > OversizeLimit {
		return 0, nil, errOversized
	}
	rest := make([]byte, total-4)
	if _, err = io.ReadFull(r, rest); err != nil {
		return 0, nil, err
	}
	return rest[0], rest[1:], nil
}

var errOversized = fmt.Errorf("ovsqlite: request exceeds oversize limit")

func WriteFrame(w io.Writer, code uint8, body []byte) error {
	total := uint32(4 + 1 + len(body))
	buf := make([]byte, total)
	nativeOrder.PutUint32(buf[0:4], total)
	buf[4] = code
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

// --- body packing helpers ---

type bodyWriter struct{ buf []byte }

func (b *bodyWriter) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *bodyWriter) u16(v uint16) { var x [2]byte; nativeOrder.PutUint16(x[:], v); b.buf = append(b.buf, x[:]...) }
func (b *bodyWriter) u32(v uint32) { var x [4]byte; nativeOrder.PutUint32(x[:], v); b.buf = append(b.buf, x[:]...) }
func (b *bodyWriter) u64(v uint64) { var x [8]byte; nativeOrder.PutUint64(x[:], v); b.buf = append(b.buf, x[:]...) }
func (b *bodyWriter) i64(v int64)  { b.u64(uint64(v)) }
func (b *bodyWriter) str(s string) {
	b.u16(uint16(len(s)))
	b.buf = append(b.buf, s...)
}
func (b *bodyWriter) bytes(p []byte) {
	b.u32(uint32(len(p)))
	b.buf = append(b.buf, p...)
}
func (b *bodyWriter) raw(p []byte) { b.buf = append(b.buf, p...) }

type bodyReader struct {
	buf []byte
	pos int
}

func newBodyReader(b []byte) *bodyReader { return &bodyReader{buf: b} }

func (r *bodyReader) remaining() int { return len(r.buf) - r.pos }

func (r *bodyReader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *bodyReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := nativeOrder.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *bodyReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := nativeOrder.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *bodyReader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := nativeOrder.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *bodyReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *bodyReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *bodyReader) bytesN(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return b, nil
}

func (r *bodyReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytesN(int(n))
}
