package ovdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/go-while/go-overview/internal/overview"
)

// Request codes for the OVDB read-server wire protocol (spec.md §6.3).
const (
	WhatGroupStats uint32 = iota
	WhatOpenSearch
	WhatSearch
	WhatCloseSearch
	WhatArtInfo
)

// Reply status codes.
const (
	ReplyOK uint32 = iota
	ReplyError
	ReplyEOF
)

// request is the fixed-size OVDB read-server request frame.
type request struct {
	What    uint32
	GrpLen  uint32
	Group   string
	ArtLo   uint64
	ArtHi   uint64
	Handle  uint64
}

func readRequest(r *bufio.Reader) (*request, error) {
	var hdr [4 * 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	req := &request{
		What:   binary.BigEndian.Uint32(hdr[0:4]),
		GrpLen: binary.BigEndian.Uint32(hdr[4:8]),
	}
	lo := binary.BigEndian.Uint32(hdr[8:12])
	hi := binary.BigEndian.Uint32(hdr[12:16])
	req.ArtLo, req.ArtHi = uint64(lo), uint64(hi)

	if req.GrpLen > 0 {
		if req.GrpLen > models_MaxGroupNameLen {
			return nil, fmt.Errorf("ovdb wire: group name too long")
		}
		buf := make([]byte, req.GrpLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		req.Group = string(buf)
	}

	var hbuf [8]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return nil, err
	}
	req.Handle = binary.BigEndian.Uint64(hbuf[:])
	return req, nil
}

const models_MaxGroupNameLen = 512

func writeU32(w *bufio.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w *bufio.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// searchHandleTable tracks open search cursors keyed by an opaque
// handle the client must echo back (spec.md §6.3).
type searchHandleTable struct {
	mu      sync.Mutex
	next    uint64
	handles map[uint64]overview.RowIterator
}

func newSearchHandleTable() *searchHandleTable {
	return &searchHandleTable{handles: make(map[uint64]overview.RowIterator)}
}

func (t *searchHandleTable) open(it overview.RowIterator) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.handles[h] = it
	return h
}

func (t *searchHandleTable) get(h uint64) (overview.RowIterator, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.handles[h]
	return it, ok
}

func (t *searchHandleTable) close(h uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.handles[h]; ok {
		it.Close()
		delete(t.handles, h)
	}
}
