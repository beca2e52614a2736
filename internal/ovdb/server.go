package ovdb

import (
	"bufio"
	"context"
	"log"
	"net"
	"time"

	"github.com/go-while/go-overview/internal/overview"
)

// ReadServerConn serves one client connection of the OVDB read-server
// protocol (spec.md §6.3). Each connection is handled by its own
// goroutine with a blocking read loop — the idiomatic Go analogue of
// the original's single-threaded, cooperatively multiplexed worker
// (spec.md §5): parallelism across clients comes from the worker pool
// (one OS process per worker), not from threads inside a worker.
type ReadServerConn struct {
	conn    net.Conn
	backend *Backend
	handles *searchHandleTable
}

// ClientIdleTimeout is how long a read-server client may stay idle
// before it is disconnected: a flat 60s, with no configurable client
// timeout added to it.
const ClientIdleTimeout = 60 * time.Second

func ServeReadServer(ctx context.Context, conn net.Conn, backend *Backend) {
	c := &ReadServerConn{conn: conn, backend: backend, handles: newSearchHandleTable()}
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(ClientIdleTimeout))
		req, err := readRequest(r)
		if err != nil {
			return
		}
		if err := c.dispatch(ctx, req, w); err != nil {
			log.Printf("[OVDB-READSERVER] dispatch error: %v", err)
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (c *ReadServerConn) dispatch(ctx context.Context, req *request, w *bufio.Writer) error {
	switch req.What {
	case WhatGroupStats:
		low, high, count, flagAlias, err := c.backend.GroupStats(ctx, req.Group)
		if err != nil {
			return writeU32(w, ReplyError)
		}
		if err := writeU32(w, ReplyOK); err != nil {
			return err
		}
		if err := writeU64(w, low); err != nil {
			return err
		}
		if err := writeU64(w, high); err != nil {
			return err
		}
		if err := writeU64(w, count); err != nil {
			return err
		}
		return writeBytes(w, []byte(flagAlias))

	case WhatOpenSearch:
		hi := req.ArtHi
		it := c.backend.SearchGroup(ctx, req.Group, req.ArtLo, &hi, overview.ColsAll)
		if it.Err() != nil {
			return writeU32(w, ReplyError)
		}
		handle := c.handles.open(it)
		if err := writeU32(w, ReplyOK); err != nil {
			return err
		}
		return writeU64(w, handle)

	case WhatSearch:
		it, ok := c.handles.get(req.Handle)
		if !ok {
			return writeU32(w, ReplyError)
		}
		if !it.Next(ctx) {
			return writeU32(w, ReplyEOF)
		}
		row := it.Row()
		if err := writeU32(w, ReplyOK); err != nil {
			return err
		}
		if err := writeU64(w, row.ArtNum); err != nil {
			return err
		}
		if err := writeU64(w, uint64(row.Arrived)); err != nil {
			return err
		}
		if _, err := w.Write(row.Token[:]); err != nil {
			return err
		}
		return writeBytes(w, row.Payload)

	case WhatCloseSearch:
		c.handles.close(req.Handle)
		return nil // fire-and-forget: no reply

	case WhatArtInfo:
		tok, err := c.backend.ArticleGet(ctx, req.Group, req.ArtLo)
		if err != nil {
			return writeU32(w, ReplyError)
		}
		if err := writeU32(w, ReplyOK); err != nil {
			return err
		}
		_, werr := w.Write(tok[:])
		return werr

	default:
		return writeU32(w, ReplyError)
	}
}
