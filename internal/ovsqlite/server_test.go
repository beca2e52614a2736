package ovsqlite

import (
	"context"
	"net"
	"testing"
	"time"
)

// newTestServer opens a fresh DB and starts a Server's writerLoop (but
// not Run/Accept — tests drive connections directly over a net.Pipe).
func newTestServer(t *testing.T) *Server {
	t.Helper()
	db := openTestDB(t, false)
	s := NewServer(db, nil, 10000, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.writerLoop(ctx)
	return s
}

// pipeConn returns one end of an in-process connection with s.serveConn
// already running on the other end, the way NewClientConn's doc comment
// describes wrapping one end of a net.Pipe.
func pipeConn(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	go s.serveConn(ctx, server)
	return client
}

func helloBody(version uint32, cookie []byte) []byte {
	var bw bodyWriter
	bw.u32(version)
	bw.u8(uint8(0))
	bw.bytes(cookie)
	return bw.buf
}

func TestHelloThenRequestsSucceed(t *testing.T) {
	s := newTestServer(t)
	conn := pipeConn(t, s)

	c, err := NewClientConn(conn)
	if err != nil {
		t.Fatalf("NewClientConn (hello): %v", err)
	}
	if err := c.GroupAdd(context.Background(), "comp.lang.go", 1, 100, "y"); err != nil {
		t.Fatalf("GroupAdd after hello: %v", err)
	}
}

func TestRequestBeforeHelloIsRejected(t *testing.T) {
	s := newTestServer(t)
	conn := pipeConn(t, s)

	var bw bodyWriter
	bw.str("comp.lang.go")
	bw.u64(1)
	bw.u64(100)
	bw.str("y")
	if err := WriteFrame(conn, ReqAddGroup, bw.buf); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, _, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != RespWrongState {
		t.Fatalf("code = %d, want RespWrongState", code)
	}
}

func TestSecondHelloIsWrongState(t *testing.T) {
	s := newTestServer(t)
	conn := pipeConn(t, s)

	if err := WriteFrame(conn, ReqHello, helloBody(ProtocolVersion, nil)); err != nil {
		t.Fatalf("WriteFrame (first hello): %v", err)
	}
	code, _, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (first hello): %v", err)
	}
	if code != RespOk {
		t.Fatalf("first hello code = %d, want RespOk", code)
	}

	if err := WriteFrame(conn, ReqHello, helloBody(ProtocolVersion, nil)); err != nil {
		t.Fatalf("WriteFrame (second hello): %v", err)
	}
	code, _, err = ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (second hello): %v", err)
	}
	if code != RespWrongState {
		t.Fatalf("second hello code = %d, want RespWrongState", code)
	}
}

func TestHelloRejectsWrongVersion(t *testing.T) {
	s := newTestServer(t)
	conn := pipeConn(t, s)

	if err := WriteFrame(conn, ReqHello, helloBody(ProtocolVersion+1, nil)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, _, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != RespWrongVersion {
		t.Fatalf("code = %d, want RespWrongVersion", code)
	}
}

func TestHelloRejectsBadCookie(t *testing.T) {
	db := openTestDB(t, false)
	s := NewServer(db, nil, 10000, time.Second)
	s.Cookie = []byte("supersecretcookie")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.writerLoop(ctx)
	conn := pipeConn(t, s)

	if err := WriteFrame(conn, ReqHello, helloBody(ProtocolVersion, []byte("wrong"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, _, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != RespFailedAuth {
		t.Fatalf("code = %d, want RespFailedAuth", code)
	}
}

func TestHelloAcceptsMatchingCookie(t *testing.T) {
	db := openTestDB(t, false)
	s := NewServer(db, nil, 10000, time.Second)
	s.Cookie = []byte("supersecretcookie")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.writerLoop(ctx)
	conn := pipeConn(t, s)

	if err := WriteFrame(conn, ReqHello, helloBody(ProtocolVersion, []byte("supersecretcookie"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, _, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != RespOk {
		t.Fatalf("code = %d, want RespOk", code)
	}
}
