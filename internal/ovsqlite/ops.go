package ovsqlite

import (
	"database/sql"
	"fmt"
)

// txn is whichever *sql.DB or *sql.Tx is active; every op below runs
// against it so the batching logic in server.go can wrap a run of
// writes in one transaction without the op code needing to know.
type txn interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

var errNoGroup = fmt.Errorf("ovsqlite: no such group")
var errDupArticle = fmt.Errorf("ovsqlite: duplicate article")
var errOldArticle = fmt.Errorf("ovsqlite: article below cutoff")
var errNoArticle = fmt.Errorf("ovsqlite: no such article")

func opGroupAdd(tx txn, group string, low, high uint64, flagAlias string) error {
	// On an existing live group only flag_alias changes. Reviving a
	// logically-deleted group (one a forgotten-group sweep flagged but
	// hasn't physically reclaimed yet) also takes the new low/high and
	// clears deleted/expired so it behaves like a fresh group again.
	_, err := tx.Exec(
		`insert into groupinfos(name, low, high, flag_alias) values (?, ?, ?, ?)
		 on conflict(name) do update set
		 low = case when deleted != 0 then excluded.low else low end,
		 high = case when deleted != 0 then excluded.high else high end,
		 flag_alias = excluded.flag_alias, deleted = 0, expired = 0`,
		group, low, high, flagAlias)
	return err
}

func opGroupDelete(tx txn, group string) error {
	var gid int64
	if err := tx.QueryRow(`select gid from groupinfos where name = ?`, group).Scan(&gid); err != nil {
		if err == sql.ErrNoRows {
			return errNoGroup
		}
		return err
	}
	if _, err := tx.Exec(`delete from overview where gid = ?`, gid); err != nil {
		return err
	}
	_, err := tx.Exec(`delete from groupinfos where gid = ?`, gid)
	return err
}

// opGroupInfo looks up a group's surrogate key and watermarks. A group
// a forgotten-group sweep has marked deleted is reported as absent
// even though its row physically survives until finish_expire
// reclaims it (matches OVDB's getGroup / IsDeleted treatment).
func opGroupInfo(tx txn, group string) (gid int64, low, high uint64, flagAlias string, err error) {
	var deleted int
	row := tx.QueryRow(`select gid, low, high, flag_alias, deleted from groupinfos where name = ?`, group)
	if err = row.Scan(&gid, &low, &high, &flagAlias, &deleted); err == sql.ErrNoRows {
		return 0, 0, 0, "", errNoGroup
	}
	if err != nil {
		return 0, 0, 0, "", err
	}
	if deleted != 0 {
		return 0, 0, 0, "", errNoGroup
	}
	return gid, low, high, flagAlias, nil
}

func opGroupStats(tx txn, group string) (low, high, count uint64, flagAlias string, err error) {
	var gid int64
	gid, low, high, flagAlias, err = opGroupInfo(tx, group)
	if err != nil {
		return 0, 0, 0, "", err
	}
	err = tx.QueryRow(`select count(*) from overview where gid = ?`, gid).Scan(&count)
	return
}

type groupListRow struct {
	Name              string
	Low, High, Count  uint64
	FlagAlias         string
}

func opListGroups(tx txn, afterGID int64, limit int) (rows []groupListRow, nextCursor int64, err error) {
	res, err := tx.Query(
		`select g.gid, g.name, g.low, g.high, g.flag_alias,
		        (select count(*) from overview o where o.gid = g.gid)
		 from groupinfos g where g.gid > ? and g.deleted = 0 order by g.gid limit ?`,
		afterGID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer res.Close()
	for res.Next() {
		var gid int64
		var r groupListRow
		if err := res.Scan(&gid, &r.Name, &r.Low, &r.High, &r.FlagAlias, &r.Count); err != nil {
			return nil, 0, err
		}
		rows = append(rows, r)
		nextCursor = gid
	}
	return rows, nextCursor, res.Err()
}

func opArticleAdd(tx txn, db *DB, group string, artnum uint64, token [18]byte, payload []byte, arrived, expires int64, cutoffLow bool) error {
	gid, low, high, _, err := opGroupInfo(tx, group)
	if err != nil {
		return err
	}
	if cutoffLow && artnum < low {
		return errOldArticle
	}
	stored, err := encodeStoredPayload(group, artnum, payload, db.Compress)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`insert into overview(gid, artnum, arrived, expires, token, payload) values (?, ?, ?, ?, ?, ?)`,
		gid, artnum, arrived, expires, token[:], stored)
	if err != nil {
		if isUniqueViolation(err) {
			return errDupArticle
		}
		return err
	}

	// low > high is the empty-group sentinel (spec.md §4.2.2); mirrors
	// OVDB's ArticleAdd watermark update exactly.
	newLow, newHigh := low, high
	if low > high || artnum < low {
		newLow = artnum
	}
	if artnum > newHigh {
		newHigh = artnum
	}
	if newLow != low || newHigh != high {
		_, err = tx.Exec(`update groupinfos set low = ?, high = ? where gid = ?`, newLow, newHigh, gid)
	}
	return err
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 wraps SQLITE_CONSTRAINT_PRIMARYKEY in sqlite3.Error;
	// matching on text keeps this file free of a direct driver import.
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint") || containsFold(err.Error(), "PRIMARY KEY"))
}

func containsFold(s, sub string) bool {
	return len(s) >= len(sub) && indexFold(s, sub) >= 0
}

func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func opArticleGet(tx txn, group string, artnum uint64) (token [18]byte, err error) {
	gid, _, _, _, err := opGroupInfo(tx, group)
	if err != nil {
		return token, err
	}
	var raw []byte
	err = tx.QueryRow(`select token from overview where gid = ? and artnum = ?`, gid, artnum).Scan(&raw)
	if err == sql.ErrNoRows {
		return token, errNoArticle
	}
	if err != nil {
		return token, err
	}
	copy(token[:], raw)
	return token, nil
}

// opArticleDelete removes one article and, if it sat at the group's
// low watermark, recomputes low as the next surviving artnum (or
// high+1 if the group is now empty) — the SQL equivalent of OVDB's
// nextLiveArtnum cursor seek.
func opArticleDelete(tx txn, group string, artnum uint64) error {
	gid, low, high, _, err := opGroupInfo(tx, group)
	if err != nil {
		return err
	}
	res, err := tx.Exec(`delete from overview where gid = ? and artnum = ?`, gid, artnum)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNoArticle
	}
	if artnum != low {
		return nil
	}
	var newLow sql.NullInt64
	if err := tx.QueryRow(`select min(artnum) from overview where gid = ?`, gid).Scan(&newLow); err != nil {
		return err
	}
	next := high + 1
	if newLow.Valid {
		next = uint64(newLow.Int64)
	}
	_, err = tx.Exec(`update groupinfos set low = ? where gid = ?`, next, gid)
	return err
}

type overviewRow struct {
	ArtNum  uint64
	Arrived int64
	Expires int64
	Token   [18]byte
	Payload []byte
}

func opSearchGroup(tx txn, group string, low uint64, high *uint64, limit int) (rows []overviewRow, err error) {
	gid, _, _, _, err := opGroupInfo(tx, group)
	if err != nil {
		return nil, err
	}
	var res *sql.Rows
	if high != nil {
		res, err = tx.Query(
			`select artnum, arrived, expires, token, payload from overview
			 where gid = ? and artnum >= ? and artnum <= ? order by artnum limit ?`,
			gid, low, *high, limit)
	} else {
		res, err = tx.Query(
			`select artnum, arrived, expires, token, payload from overview
			 where gid = ? and artnum >= ? order by artnum limit ?`,
			gid, low, limit)
	}
	if err != nil {
		return nil, err
	}
	defer res.Close()
	for res.Next() {
		var r overviewRow
		var tok, stored []byte
		if err := res.Scan(&r.ArtNum, &r.Arrived, &r.Expires, &tok, &stored); err != nil {
			return nil, err
		}
		copy(r.Token[:], tok)
		payload, derr := decodeStoredPayload(group, r.ArtNum, stored)
		if derr != nil {
			return nil, derr
		}
		r.Payload = payload
		rows = append(rows, r)
	}
	return rows, res.Err()
}

func opExpireGroup(tx txn, group string, artnums []uint64) error {
	gid, _, _, _, err := opGroupInfo(tx, group)
	if err != nil {
		return err
	}
	for _, n := range artnums {
		if _, err := tx.Exec(`delete from overview where gid = ? and artnum = ?`, gid, n); err != nil {
			return err
		}
	}
	return nil
}

// opStampExpired records that start_expire_group touched group at
// nowUnix (spec.md §4.3.5 step 1). A later finish_expire sweep treats
// any group whose stamp predates its own session start as forgotten.
func opStampExpired(tx txn, group string, nowUnix int64) error {
	res, err := tx.Exec(`update groupinfos set expired = ? where name = ?`, nowUnix, group)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNoGroup
	}
	return nil
}

// opMarkForgottenGroupsDeleted flags every group whose expired stamp
// predates sessionStartUnix as deleted, the way OVDB's
// markForgottenGroupsDeleted walks bucketGroups. A sessionStartUnix of
// 0 means no expire session has started yet, so nothing is marked.
func opMarkForgottenGroupsDeleted(tx txn, sessionStartUnix int64) error {
	if sessionStartUnix == 0 {
		return nil
	}
	_, err := tx.Exec(
		`update groupinfos set deleted = 1 where deleted = 0 and expired > 0 and expired < ?`,
		sessionStartUnix)
	return err
}

// opNextDeletedGroup returns the first group still flagged deleted, in
// gid order, or ("", false) once none remain.
func opNextDeletedGroup(tx txn) (gid int64, name string, ok bool, err error) {
	row := tx.QueryRow(`select gid, name from groupinfos where deleted = 1 order by gid limit 1`)
	err = row.Scan(&gid, &name)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return gid, name, true, nil
}

// opReclaimDeletedGroup deletes up to batchSize overview rows for gid.
// Once fewer than batchSize rows were removed, the group is fully
// drained and its groupinfos row is physically deleted too; otherwise
// it is left deleted = 1 for the next finish_expire call to continue.
func opReclaimDeletedGroup(tx txn, gid int64, batchSize int) (deleted int64, err error) {
	res, err := tx.Exec(
		`delete from overview where gid = ? and artnum in
		 (select artnum from overview where gid = ? order by artnum limit ?)`,
		gid, gid, batchSize)
	if err != nil {
		return 0, err
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return deleted, err
	}
	if deleted < int64(batchSize) {
		if _, err := tx.Exec(`delete from groupinfos where gid = ?`, gid); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// opSetWatermarks persists low/high directly, bypassing opGroupAdd's
// "only the flag is updated on an existing group" rule — used by the
// expiration engine to write back the watermarks it recomputed after
// a compaction or divergence (spec.md §4.5).
func opSetWatermarks(tx txn, group string, low, high uint64) error {
	res, err := tx.Exec(`update groupinfos set low = ?, high = ? where name = ?`, low, high, group)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNoGroup
	}
	return nil
}
