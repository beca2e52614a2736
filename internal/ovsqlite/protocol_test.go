package ovsqlite

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, ReqAddGroup, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != ReqAddGroup {
		t.Fatalf("code = %d, want %d", code, ReqAddGroup)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, ReqHello, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != ReqHello || len(body) != 0 {
		t.Fatalf("code=%d body=%v, want ReqHello/empty", code, body)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	nativeOrder.PutUint32(buf.Bytes(), OversizeLimit+1)
	if _, _, err := ReadFrame(&buf); err != errOversized {
		t.Fatalf("err = %v, want errOversized", err)
	}
}

func TestReadFrameRejectsTooShort(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4)) // total = 0, native order zero value
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected error for too-short frame")
	}
}

func TestBodyWriterReaderRoundTrip(t *testing.T) {
	var w bodyWriter
	w.u8(7)
	w.u16(1000)
	w.u32(100000)
	w.u64(1 << 40)
	w.i64(-5)
	w.str("comp.lang.go")
	w.bytes([]byte("payload"))

	r := newBodyReader(w.buf)
	if v, err := r.u8(); err != nil || v != 7 {
		t.Fatalf("u8 = %v, %v, want 7, nil", v, err)
	}
	if v, err := r.u16(); err != nil || v != 1000 {
		t.Fatalf("u16 = %v, %v, want 1000, nil", v, err)
	}
	if v, err := r.u32(); err != nil || v != 100000 {
		t.Fatalf("u32 = %v, %v, want 100000, nil", v, err)
	}
	if v, err := r.u64(); err != nil || v != 1<<40 {
		t.Fatalf("u64 = %v, %v, want 2^40, nil", v, err)
	}
	if v, err := r.i64(); err != nil || v != -5 {
		t.Fatalf("i64 = %v, %v, want -5, nil", v, err)
	}
	if v, err := r.str(); err != nil || v != "comp.lang.go" {
		t.Fatalf("str = %q, %v, want comp.lang.go, nil", v, err)
	}
	if v, err := r.bytes(); err != nil || string(v) != "payload" {
		t.Fatalf("bytes = %q, %v, want payload, nil", v, err)
	}
	if r.remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", r.remaining())
	}
}

func TestBodyReaderUnexpectedEOF(t *testing.T) {
	r := newBodyReader([]byte{1, 2})
	if _, err := r.u32(); err == nil {
		t.Fatalf("expected error reading u32 from 2-byte buffer")
	}
}

func TestIsFatalAndIsError(t *testing.T) {
	if !IsError(RespNoGroup) {
		t.Fatalf("RespNoGroup should be IsError")
	}
	if IsFatal(RespNoGroup) {
		t.Fatalf("RespNoGroup should not be IsFatal")
	}
	if !IsFatal(RespBadRequest) {
		t.Fatalf("RespBadRequest should be IsFatal")
	}
	if !IsError(RespBadRequest) {
		t.Fatalf("RespBadRequest should also be IsError (fatal implies error)")
	}
	if IsError(RespOk) || IsError(RespDone) {
		t.Fatalf("success codes should not be IsError")
	}
}
