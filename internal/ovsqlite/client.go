package ovsqlite

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-while/go-overview/internal/overview"
)

// Client is the OVSQLITE façade implementation (spec.md §4.4): a thin
// stub that serializes every call over the wire protocol to the
// single-writer server, exactly as a real client of ovsqlite-server
// would. Requests on one Client are serialized with a mutex — the
// connection is a single ordered byte stream, so concurrent callers
// queue rather than race.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	if err := c.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn wraps an already-established connection (e.g. one end
// of a net.Pipe when the server runs in-process) and performs the
// Hello handshake over it before returning, skipping dialing.
func NewClientConn(conn net.Conn) (*Client, error) {
	c := &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	if err := c.hello(); err != nil {
		return nil, err
	}
	return c, nil
}

// hello performs the Hello(version, mode, cookie?) handshake required
// before any other request is accepted (spec.md §4.3.1/§6.2).
func (c *Client) hello() error {
	var bw bodyWriter
	bw.u32(ProtocolVersion)
	bw.u8(uint8(overview.ModeServer))
	bw.bytes(nil)
	code, body, err := c.roundTrip(ReqHello, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

func (c *Client) roundTrip(code uint8, body []byte) (uint8, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteFrame(c.w, code, body); err != nil {
		return 0, nil, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, nil, err
	}
	return ReadFrame(c.r)
}

func (c *Client) Close() error { return c.conn.Close() }

func opErr(code uint8, body []byte) error {
	switch code {
	case RespNoGroup:
		return overview.NoGroup
	case RespNoArticle:
		return overview.NoArticle
	case RespDupArticle:
		return overview.DupArticle
	case RespOldArticle:
		return overview.OldArticle
	case RespSequenceError:
		return overview.SequenceErr
	case RespCorrupted:
		return overview.New(overview.ErrCorrupted, errors.New(string(body)))
	case RespSqlError:
		return overview.New(overview.ErrStorage, errors.New(string(body)))
	case RespBadRequest:
		return overview.BadRequest
	case RespOversized:
		return overview.Oversized
	case RespWrongState:
		return overview.WrongState
	case RespWrongVersion:
		return overview.WrongVersion
	case RespFailedAuth:
		return overview.FailedAuth
	default:
		return overview.New(overview.ErrSystem, fmt.Errorf("ovsqlite: unexpected response 0x%02x", code))
	}
}

func (c *Client) SetCutoffLow(cutoff bool) {
	var bw bodyWriter
	if cutoff {
		bw.u8(1)
	} else {
		bw.u8(0)
	}
	c.roundTrip(ReqSetCutoffLow, bw.buf)
}

func (c *Client) GroupStats(ctx context.Context, group string) (low, high, count uint64, flagAlias string, err error) {
	var bw bodyWriter
	bw.str(group)
	code, body, err := c.roundTrip(ReqGetGroupInfo, bw.buf)
	if err != nil {
		return 0, 0, 0, "", err
	}
	if code != RespGroupInfo {
		return 0, 0, 0, "", opErr(code, body)
	}
	br := newBodyReader(body)
	low, _ = br.u64()
	high, _ = br.u64()
	count, _ = br.u64()
	flagAlias, _ = br.str()
	return low, high, count, flagAlias, nil
}

func (c *Client) GroupAdd(ctx context.Context, group string, low, high uint64, flagAlias string) error {
	var bw bodyWriter
	bw.str(group)
	bw.u64(low)
	bw.u64(high)
	bw.str(flagAlias)
	code, body, err := c.roundTrip(ReqAddGroup, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

func (c *Client) GroupDelete(ctx context.Context, group string) error {
	var bw bodyWriter
	bw.str(group)
	code, body, err := c.roundTrip(ReqDeleteGroup, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

// listCursor implements overview.GroupIterator over one list_groups
// RPC batch at a time, re-issuing the request as the caller exhausts
// each page.
type listCursor struct {
	client *Client
	cursor int64
	rows   []groupListRow
	idx    int
	done   bool
	err    error
	cur    overview.GroupInfoRow
}

func (c *Client) ListGroups(ctx context.Context, cursor int64, budgetBytes int) overview.GroupIterator {
	return &listCursor{client: c, cursor: cursor}
}

func (l *listCursor) Next(ctx context.Context) bool {
	if l.err != nil {
		return false
	}
	for l.idx >= len(l.rows) {
		if l.done {
			return false
		}
		var bw bodyWriter
		bw.i64(l.cursor)
		bw.u32(1024)
		code, body, err := l.client.roundTrip(ReqListGroups, bw.buf)
		if err != nil {
			l.err = err
			return false
		}
		if code != RespGroupList {
			l.err = opErr(code, body)
			return false
		}
		br := newBodyReader(body)
		next, _ := br.i64()
		n, _ := br.u32()
		rows := make([]groupListRow, 0, n)
		for i := uint32(0); i < n; i++ {
			var r groupListRow
			r.Name, _ = br.str()
			r.Low, _ = br.u64()
			r.High, _ = br.u64()
			r.Count, _ = br.u64()
			r.FlagAlias, _ = br.str()
			rows = append(rows, r)
		}
		l.rows = rows
		l.idx = 0
		l.cursor = next
		if n == 0 {
			l.done = true
			return false
		}
	}
	r := l.rows[l.idx]
	l.idx++
	l.cur = overview.GroupInfoRow{Name: r.Name, Low: r.Low, High: r.High, Count: r.Count, FlagAlias: r.FlagAlias}
	return true
}

func (l *listCursor) Row() *overview.GroupInfoRow { return &l.cur }
func (l *listCursor) Cursor() int64               { return l.cursor }
func (l *listCursor) Done() bool                  { return l.done }
func (l *listCursor) Err() error                  { return l.err }
func (l *listCursor) Close() error                { return nil }

func (c *Client) ArticleAdd(ctx context.Context, group string, artnum uint64, token [18]byte, payload []byte, arrived, expires int64) error {
	var bw bodyWriter
	bw.str(group)
	bw.u64(artnum)
	bw.raw(token[:])
	bw.i64(arrived)
	bw.i64(expires)
	bw.bytes(payload)
	code, body, err := c.roundTrip(ReqAddArticle, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

func (c *Client) ArticleGet(ctx context.Context, group string, artnum uint64) (token [18]byte, err error) {
	var bw bodyWriter
	bw.str(group)
	bw.u64(artnum)
	code, body, err := c.roundTrip(ReqGetArtInfo, bw.buf)
	if err != nil {
		return token, err
	}
	if code != RespArtInfo {
		return token, opErr(code, body)
	}
	copy(token[:], body)
	return token, nil
}

func (c *Client) ArticleDelete(ctx context.Context, group string, artnum uint64) error {
	var bw bodyWriter
	bw.str(group)
	bw.u64(artnum)
	code, body, err := c.roundTrip(ReqDeleteArticle, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

// searchCursor buffers one response batch client-side (spec.md §6.2:
// "the client keeps a small ring of rows so it doesn't round-trip per
// article"), re-querying from the last artnum seen when exhausted.
type searchCursor struct {
	client     *Client
	group      string
	next       uint64
	high       *uint64
	rows       []overviewRow
	idx        int
	exhausted  bool
	err        error
	cur        overview.SearchRow
}

func (c *Client) SearchGroup(ctx context.Context, group string, low uint64, high *uint64, cols overview.Cols) overview.RowIterator {
	return &searchCursor{client: c, group: group, next: low, high: high}
}

func (s *searchCursor) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	for s.idx >= len(s.rows) {
		if s.exhausted {
			return false
		}
		var bw bodyWriter
		bw.str(s.group)
		bw.u64(s.next)
		if s.high != nil {
			bw.u8(SearchFlagHigh)
			bw.u64(*s.high)
		} else {
			bw.u8(0)
		}
		code, body, err := s.client.roundTrip(ReqSearchGroup, bw.buf)
		if err != nil {
			s.err = err
			return false
		}
		if code != RespArtListDone {
			s.err = opErr(code, body)
			return false
		}
		br := newBodyReader(body)
		n, _ := br.u32()
		rows := make([]overviewRow, 0, n)
		for i := uint32(0); i < n; i++ {
			var r overviewRow
			r.ArtNum, _ = br.u64()
			r.Arrived, _ = br.i64()
			r.Expires, _ = br.i64()
			tok, _ := br.bytesN(18)
			copy(r.Token[:], tok)
			r.Payload, _ = br.bytes()
			rows = append(rows, r)
		}
		s.rows = rows
		s.idx = 0
		if n == 0 {
			s.exhausted = true
			return false
		}
		s.next = rows[len(rows)-1].ArtNum + 1
	}
	r := s.rows[s.idx]
	s.idx++
	s.cur = overview.SearchRow{ArtNum: r.ArtNum, Arrived: r.Arrived, Expires: r.Expires, Token: r.Token, Payload: r.Payload}
	return true
}

func (s *searchCursor) Row() *overview.SearchRow { return &s.cur }
func (s *searchCursor) Err() error                { return s.err }
func (s *searchCursor) Close() error              { return nil }

func (c *Client) StartExpireGroup(ctx context.Context, group string) error {
	var bw bodyWriter
	bw.str(group)
	code, body, err := c.roundTrip(ReqStartExpireGroup, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

func (c *Client) ExpireGroup(ctx context.Context, group string, artnums []uint64) error {
	var bw bodyWriter
	bw.u32(uint32(len(artnums)))
	for _, n := range artnums {
		bw.u64(n)
	}
	code, body, err := c.roundTrip(ReqExpireGroup, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

func (c *Client) FinishExpire(ctx context.Context) (overview.ExpireOutcome, error) {
	code, body, err := c.roundTrip(ReqFinishExpire, nil)
	if err != nil {
		return overview.ExpireDone, err
	}
	if code != RespDone {
		return overview.ExpireDone, opErr(code, body)
	}
	br := newBodyReader(body)
	more, err := br.u8()
	if err != nil || more == 0 {
		return overview.ExpireDone, nil
	}
	return overview.ExpireMore, nil
}

// SetGroupWatermarks persists a recomputed Low/High onto an existing
// group (spec.md §4.5). OVSQLITE has no persisted row-count column, so
// count is accepted for interface symmetry with OVDB and otherwise
// unused here.
func (c *Client) SetGroupWatermarks(ctx context.Context, group string, low, high, count uint64) error {
	var bw bodyWriter
	bw.str(group)
	bw.u64(low)
	bw.u64(high)
	code, body, err := c.roundTrip(ReqSetWatermarks, bw.buf)
	if err != nil {
		return err
	}
	if code != RespOk {
		return opErr(code, body)
	}
	return nil
}

var _ overview.Backend = (*Client)(nil)
