package ovsqlite

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"log"
	"net"
	"sync"
	"time"

	"github.com/go-while/go-overview/internal/overview"
)

// Server is the single-writer OVSQLITE daemon (spec.md §4.3.2): exactly
// one goroutine — run — ever touches the sqlite connection, batching
// writes from every client connection into bounded transactions the
// way the original ovsqlite-server batches them by row count and wall
// time (transaction_row_limit, transaction_time_limit).
type Server struct {
	DB       *DB
	Listener net.Listener

	TxnRowLimit  int
	TxnTimeLimit time.Duration

	// Cookie, if non-empty, must match the cookie every client presents
	// in its Hello (spec.md §4.3.1 "written to the port file on systems
	// without Unix-domain sockets"). Unix-socket deployments leave it
	// unset and rely on filesystem permissions instead.
	Cookie []byte

	cutoffLow   boolFlag
	reqCh       chan svcRequest
	cancelState expireState
	expire      expireSession
}

type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *boolFlag) set(v bool) { b.mu.Lock(); b.v = v; b.mu.Unlock() }
func (b *boolFlag) get() bool  { b.mu.Lock(); defer b.mu.Unlock(); return b.v }

// expireState tracks the in-progress expire_group/finish_expire
// sequence (spec.md §4.3.4): start_expire_group opens it, expire_group
// batches deletions against it, finish_expire closes it. Only one may
// be open at a time, matching the original single-writer contract.
type expireState struct {
	mu     sync.Mutex
	active bool
	group  string
}

// expireSession tracks the forgotten-group sweep across the repeated
// start_expire_group/finish_expire calls it spans (spec.md §4.3.5):
// sessionStart is stamped once, at the first start_expire_group of the
// sweep, and used to decide which groups' expired timestamps are
// stale; ready marks that the initial mark-deleted pass has run.
type expireSession struct {
	mu           sync.Mutex
	sessionStart time.Time
	ready        bool
}

// connState is the per-connection Hello handshake state (spec.md
// §4.3.1): Uninit until a valid Hello has been processed, Idle for
// the rest of the connection's life. Only the writer loop goroutine
// ever touches a given connState, so it needs no lock of its own.
type connState struct {
	helloed bool
}

func NewServer(db *DB, l net.Listener, rowLimit int, timeLimit time.Duration) *Server {
	if rowLimit <= 0 {
		rowLimit = 10000
	}
	if timeLimit <= 0 {
		timeLimit = 10 * time.Second
	}
	return &Server{
		DB:           db,
		Listener:     l,
		TxnRowLimit:  rowLimit,
		TxnTimeLimit: timeLimit,
		reqCh:        make(chan svcRequest, 64),
	}
}

type svcRequest struct {
	code  uint8
	body  []byte
	reply chan svcReply
	state *connState
}

type svcReply struct {
	code uint8
	body []byte
}

// Run accepts connections and drives the single write-serializing
// loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.writerLoop(ctx)

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	state := &connState{}
	for {
		code, body, err := ReadFrame(r)
		if err != nil {
			return
		}
		reply := make(chan svcReply, 1)
		select {
		case s.reqCh <- svcRequest{code: code, body: body, reply: reply, state: state}:
		case <-ctx.Done():
			return
		}
		resp := <-reply
		if err := WriteFrame(w, resp.code, resp.body); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
		if IsFatal(resp.code) {
			return
		}
	}
}

// writerLoop is the only goroutine that ever calls into s.DB. It
// batches consecutive write requests into one *sql.Tx, committing
// when the row-count or time budget is exhausted or when a request
// that must observe a fully durable state arrives (spec.md §4.3.2).
func (s *Server) writerLoop(ctx context.Context) {
	var tx *sql.Tx
	var rowsInTxn int
	var txnStart time.Time

	beginIfNeeded := func() error {
		if tx != nil {
			return nil
		}
		var err error
		tx, err = s.DB.conn.Begin()
		if err != nil {
			return err
		}
		rowsInTxn = 0
		txnStart = time.Now()
		return nil
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("[OVSQLITE] commit: %v", err)
		}
		tx = nil
		rowsInTxn = 0
	}
	maybeFlush := func() {
		if tx == nil {
			return
		}
		if rowsInTxn >= s.TxnRowLimit || time.Since(txnStart) >= s.TxnTimeLimit {
			commit()
		}
	}

	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			commit()
			return
		case <-flushTicker.C:
			maybeFlush()
		case req := <-s.reqCh:
			code, body := s.handle(&tx, &rowsInTxn, beginIfNeeded, commit, req.code, req.body, req.state)
			req.reply <- svcReply{code: code, body: body}
			maybeFlush()
		}
	}
}

func isWriteReq(code uint8) bool {
	switch code {
	case ReqSetCutoffLow, ReqAddGroup, ReqDeleteGroup, ReqAddArticle, ReqDeleteArticle,
		ReqStartExpireGroup, ReqExpireGroup, ReqFinishExpire, ReqSetWatermarks:
		return true
	}
	return false
}

// handleHello validates the Hello(version, mode, cookie?) body (spec.md
// §4.3.1/§6.2) and flips state to Idle on success. A second Hello on an
// already-helloed connection is a protocol violation, not a retry.
func (s *Server) handleHello(state *connState, br *bodyReader) (uint8, []byte) {
	if state.helloed {
		return RespWrongState, nil
	}
	version, err := br.u32()
	if err != nil {
		return RespBadRequest, nil
	}
	if version != ProtocolVersion {
		return RespWrongVersion, nil
	}
	br.u8() // mode (overview.ModeRead/Write/Server); advisory only today
	cookie, _ := br.bytes()
	if len(s.Cookie) > 0 && !bytes.Equal(cookie, s.Cookie) {
		return RespFailedAuth, nil
	}
	state.helloed = true
	var bw bodyWriter
	bw.u32(ProtocolVersion)
	return RespOk, bw.buf
}

func (s *Server) handle(tx **sql.Tx, rowsInTxn *int, beginIfNeeded func() error, commit func(), code uint8, body []byte, state *connState) (uint8, []byte) {
	br := newBodyReader(body)

	if code == ReqHello {
		return s.handleHello(state, br)
	}
	if !state.helloed {
		return RespWrongState, nil
	}

	if isWriteReq(code) {
		if err := beginIfNeeded(); err != nil {
			return RespSqlError, []byte(err.Error())
		}
	}
	var t txn
	if *tx != nil {
		t = *tx
	} else {
		t = s.DB.conn
	}

	switch code {
	case ReqSetCutoffLow:
		v, err := br.u8()
		if err != nil {
			return RespBadRequest, nil
		}
		s.cutoffLow.set(v != 0)
		return RespOk, nil

	case ReqAddGroup:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		low, _ := br.u64()
		high, _ := br.u64()
		flagAlias, _ := br.str()
		if err := opGroupAdd(t, group, low, high, flagAlias); err != nil {
			return RespSqlError, []byte(err.Error())
		}
		*rowsInTxn++
		return RespOk, nil

	case ReqGetGroupInfo:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		low, high, count, flagAlias, err := opGroupStats(t, group)
		if err != nil {
			return respForOpErr(err)
		}
		var bw bodyWriter
		bw.u64(low)
		bw.u64(high)
		bw.u64(count)
		bw.str(flagAlias)
		return RespGroupInfo, bw.buf

	case ReqDeleteGroup:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		if err := opGroupDelete(t, group); err != nil {
			return respForOpErr(err)
		}
		*rowsInTxn++
		return RespOk, nil

	case ReqListGroups:
		cursor, _ := br.i64()
		limit, _ := br.u32()
		if limit == 0 || limit > 4096 {
			limit = 4096
		}
		rows, next, err := opListGroups(t, cursor, int(limit))
		if err != nil {
			return RespSqlError, []byte(err.Error())
		}
		var bw bodyWriter
		bw.i64(next)
		bw.u32(uint32(len(rows)))
		for _, r := range rows {
			bw.str(r.Name)
			bw.u64(r.Low)
			bw.u64(r.High)
			bw.u64(r.Count)
			bw.str(r.FlagAlias)
		}
		return RespGroupList, bw.buf

	case ReqAddArticle:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		artnum, _ := br.u64()
		tok, _ := br.bytesN(18)
		arrived, _ := br.i64()
		expires, _ := br.i64()
		payload, _ := br.bytes()
		var token [18]byte
		copy(token[:], tok)
		if err := opArticleAdd(t, s.DB, group, artnum, token, payload, arrived, expires, s.cutoffLow.get()); err != nil {
			return respForOpErr(err)
		}
		*rowsInTxn++
		return RespOk, nil

	case ReqGetArtInfo:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		artnum, _ := br.u64()
		token, err := opArticleGet(t, group, artnum)
		if err != nil {
			return respForOpErr(err)
		}
		var bw bodyWriter
		bw.raw(token[:])
		return RespArtInfo, bw.buf

	case ReqDeleteArticle:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		artnum, _ := br.u64()
		if err := opArticleDelete(t, group, artnum); err != nil {
			return respForOpErr(err)
		}
		*rowsInTxn++
		return RespOk, nil

	case ReqSearchGroup:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		low, _ := br.u64()
		flags, _ := br.u8()
		var high *uint64
		if flags&SearchFlagHigh != 0 {
			h, _ := br.u64()
			high = &h
		}
		rows, err := opSearchGroup(t, group, low, high, 4096)
		if err != nil {
			return respForOpErr(err)
		}
		var bw bodyWriter
		bw.u32(uint32(len(rows)))
		for _, r := range rows {
			bw.u64(r.ArtNum)
			bw.i64(r.Arrived)
			bw.i64(r.Expires)
			bw.raw(r.Token[:])
			bw.bytes(r.Payload)
		}
		return RespArtListDone, bw.buf

	case ReqStartExpireGroup:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		s.cancelState.mu.Lock()
		if s.cancelState.active {
			s.cancelState.mu.Unlock()
			return RespSequenceError, nil
		}
		s.cancelState.active = true
		s.cancelState.group = group
		s.cancelState.mu.Unlock()

		now := time.Now()
		s.expire.mu.Lock()
		if s.expire.sessionStart.IsZero() {
			s.expire.sessionStart = now
		}
		s.expire.mu.Unlock()

		if err := opStampExpired(t, group, now.Unix()); err != nil {
			return respForOpErr(err)
		}
		*rowsInTxn++
		return RespOk, nil

	case ReqExpireGroup:
		s.cancelState.mu.Lock()
		group := s.cancelState.group
		active := s.cancelState.active
		s.cancelState.mu.Unlock()
		if !active {
			return RespSequenceError, nil
		}
		n, _ := br.u32()
		artnums := make([]uint64, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := br.u64()
			if err != nil {
				return RespBadRequest, nil
			}
			artnums = append(artnums, v)
		}
		if err := opExpireGroup(t, group, artnums); err != nil {
			return respForOpErr(err)
		}
		*rowsInTxn += len(artnums)
		return RespOk, nil

	case ReqFinishExpire:
		s.cancelState.mu.Lock()
		s.cancelState.active = false
		s.cancelState.group = ""
		s.cancelState.mu.Unlock()

		outcome, err := s.stepFinishExpire(t)
		if err != nil {
			return RespSqlError, []byte(err.Error())
		}
		*rowsInTxn++
		commit()
		var bw bodyWriter
		if outcome == overview.ExpireMore {
			bw.u8(1)
		} else {
			bw.u8(0)
		}
		return RespDone, bw.buf

	case ReqSetWatermarks:
		group, err := br.str()
		if err != nil {
			return RespBadRequest, nil
		}
		low, _ := br.u64()
		high, _ := br.u64()
		if err := opSetWatermarks(t, group, low, high); err != nil {
			return respForOpErr(err)
		}
		*rowsInTxn++
		return RespOk, nil

	default:
		return RespBadRequest, nil
	}
}

// stepFinishExpire implements the two-phase forgotten-group cleanup of
// spec.md §4.3.5: the first call of a sweep marks every group whose
// expired stamp predates sessionStart as deleted, then each call
// reclaims one deleted group's overview rows in batches of at most
// TxnRowLimit/2+1, reporting More until nothing deleted remains.
func (s *Server) stepFinishExpire(t txn) (overview.ExpireOutcome, error) {
	s.expire.mu.Lock()
	ready := s.expire.ready
	sessionStart := s.expire.sessionStart
	s.expire.mu.Unlock()

	if !ready {
		var sessionStartUnix int64
		if !sessionStart.IsZero() {
			sessionStartUnix = sessionStart.Unix()
		}
		if err := opMarkForgottenGroupsDeleted(t, sessionStartUnix); err != nil {
			return overview.ExpireDone, err
		}
		s.expire.mu.Lock()
		s.expire.ready = true
		s.expire.mu.Unlock()
	}

	gid, _, ok, err := opNextDeletedGroup(t)
	if err != nil {
		return overview.ExpireDone, err
	}
	if !ok {
		s.expire.mu.Lock()
		s.expire.ready = false
		s.expire.sessionStart = time.Time{}
		s.expire.mu.Unlock()
		return overview.ExpireDone, nil
	}

	batchSize := s.TxnRowLimit/2 + 1
	if _, err := opReclaimDeletedGroup(t, gid, batchSize); err != nil {
		return overview.ExpireDone, err
	}
	return overview.ExpireMore, nil
}

func respForOpErr(err error) (uint8, []byte) {
	switch err {
	case errNoGroup:
		return RespNoGroup, nil
	case errNoArticle:
		return RespNoArticle, nil
	case errDupArticle:
		return RespDupArticle, nil
	case errOldArticle:
		return RespOldArticle, nil
	default:
		return RespSqlError, []byte(err.Error())
	}
}
