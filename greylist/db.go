package greylist

import (
	"context"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS GreyTuples (
	SrcIP    TEXT NOT NULL,
	Helo     TEXT NOT NULL,
	FromAddr TEXT NOT NULL,
	ToAddr   TEXT NOT NULL,
	First    INTEGER NOT NULL,
	Pass     INTEGER NOT NULL,
	Expire   INTEGER NOT NULL,
	BCount   INTEGER NOT NULL,
	PCount   INTEGER NOT NULL,
	PRIMARY KEY (SrcIP, Helo, FromAddr, ToAddr)
);

CREATE TABLE IF NOT EXISTS GreyIPs (
	Addr   TEXT PRIMARY KEY,
	Kind   TEXT NOT NULL, -- 'white' or 'trap'
	First  INTEGER NOT NULL,
	Pass   INTEGER NOT NULL,
	Expire INTEGER NOT NULL,
	BCount INTEGER NOT NULL,
	PCount INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS GreyMail (
	Mail   TEXT PRIMARY KEY,
	First  INTEGER NOT NULL,
	Expire INTEGER NOT NULL,
	PCount INTEGER NOT NULL -- always -2, a spamtrap address
);
`

// Store is the sqlite-backed greylist database: the sole writer is
// the updater process (spec.md §4.4); the scanner process (§4.5)
// reads and deletes through the same Store from a second process,
// relying on sqlite's own WAL-mode concurrency contract rather than
// any lock of ours.
type Store struct {
	pool *sqlitex.Pool
}

// Open opens (creating if necessary) the greylist database at path.
func Open(path string) (*Store, error) {
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, fmt.Errorf("greylist.Open: %v", err)
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("greylist.Open: journal_mode: %v", err)
	}
	if err := sqlitex.ExecScript(conn, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("greylist.Open: schema: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("greylist.Open: close init conn: %v", err)
	}

	pool, err := sqlitex.Open(path, 0, 4)
	if err != nil {
		return nil, fmt.Errorf("greylist.Open: pool: %v", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.pool.Close() }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// GetTuple looks up a grey tuple row. ok is false if not found.
func (s *Store) GetTuple(ctx context.Context, srcIP, helo, from, to string) (Value, bool, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return Value{}, false, context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT First, Pass, Expire, BCount, PCount FROM GreyTuples
		WHERE SrcIP=$srcIP AND Helo=$helo AND FromAddr=$from AND ToAddr=$to;`)
	stmt.SetText("$srcIP", srcIP)
	stmt.SetText("$helo", helo)
	stmt.SetText("$from", from)
	stmt.SetText("$to", to)
	defer stmt.Reset()

	has, err := stmt.Step()
	if err != nil {
		return Value{}, false, err
	}
	if !has {
		return Value{}, false, nil
	}
	return Value{
		First:  timeOrZero(stmt.GetInt64("First")),
		Pass:   timeOrZero(stmt.GetInt64("Pass")),
		Expire: timeOrZero(stmt.GetInt64("Expire")),
		BCount: int(stmt.GetInt64("BCount")),
		PCount: int(stmt.GetInt64("PCount")),
	}, true, nil
}

// PutTuple inserts or overwrites a grey tuple row wholesale; callers
// read-modify-write via GetTuple then PutTuple.
func (s *Store) PutTuple(ctx context.Context, srcIP, helo, from, to string, v Value) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`INSERT INTO GreyTuples (SrcIP, Helo, FromAddr, ToAddr, First, Pass, Expire, BCount, PCount)
		VALUES ($srcIP, $helo, $from, $to, $first, $pass, $expire, $bcount, $pcount)
		ON CONFLICT (SrcIP, Helo, FromAddr, ToAddr) DO UPDATE SET
			First=$first, Pass=$pass, Expire=$expire, BCount=$bcount, PCount=$pcount;`)
	stmt.SetText("$srcIP", srcIP)
	stmt.SetText("$helo", helo)
	stmt.SetText("$from", from)
	stmt.SetText("$to", to)
	stmt.SetInt64("$first", unixOrZero(v.First))
	stmt.SetInt64("$pass", unixOrZero(v.Pass))
	stmt.SetInt64("$expire", unixOrZero(v.Expire))
	stmt.SetInt64("$bcount", int64(v.BCount))
	stmt.SetInt64("$pcount", int64(v.PCount))
	_, err := stmt.Step()
	return err
}

// GetIP looks up a white/trap IP row.
func (s *Store) GetIP(ctx context.Context, addr string) (Value, bool, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return Value{}, false, context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT First, Pass, Expire, BCount, PCount FROM GreyIPs WHERE Addr=$addr;`)
	stmt.SetText("$addr", addr)
	defer stmt.Reset()

	has, err := stmt.Step()
	if err != nil {
		return Value{}, false, err
	}
	if !has {
		return Value{}, false, nil
	}
	return Value{
		First:  timeOrZero(stmt.GetInt64("First")),
		Pass:   timeOrZero(stmt.GetInt64("Pass")),
		Expire: timeOrZero(stmt.GetInt64("Expire")),
		BCount: int(stmt.GetInt64("BCount")),
		PCount: int(stmt.GetInt64("PCount")),
	}, true, nil
}

// UpsertWhiteIP creates or refreshes a white IP row, keeping the
// later of the existing and new expiry (spec.md §4.4 WHITE record).
func (s *Store) UpsertWhiteIP(ctx context.Context, addr string, pass, expire time.Time) error {
	existing, ok, err := s.GetIP(ctx, addr)
	if err != nil {
		return err
	}
	if ok && existing.Expire.After(expire) {
		expire = existing.Expire
	}
	first := pass
	if ok && !existing.First.IsZero() && existing.First.Before(first) {
		first = existing.First
	}
	return s.putIP(ctx, addr, "white", Value{First: first, Pass: pass, Expire: expire, PCount: 0})
}

// UpsertTrapIP creates or refreshes a trap IP row.
func (s *Store) UpsertTrapIP(ctx context.Context, addr string, first, expire time.Time, bcountDelta int) error {
	existing, ok, err := s.GetIP(ctx, addr)
	if err != nil {
		return err
	}
	bcount := bcountDelta
	if ok {
		bcount += existing.BCount
	}
	return s.putIP(ctx, addr, "trap", Value{First: first, Expire: expire, BCount: bcount, PCount: PCountTrapped})
}

func (s *Store) putIP(ctx context.Context, addr, kind string, v Value) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`INSERT INTO GreyIPs (Addr, Kind, First, Pass, Expire, BCount, PCount)
		VALUES ($addr, $kind, $first, $pass, $expire, $bcount, $pcount)
		ON CONFLICT (Addr) DO UPDATE SET
			Kind=$kind, First=$first, Pass=$pass, Expire=$expire, BCount=$bcount, PCount=$pcount;`)
	stmt.SetText("$addr", addr)
	stmt.SetText("$kind", kind)
	stmt.SetInt64("$first", unixOrZero(v.First))
	stmt.SetInt64("$pass", unixOrZero(v.Pass))
	stmt.SetInt64("$expire", unixOrZero(v.Expire))
	stmt.SetInt64("$bcount", int64(v.BCount))
	stmt.SetInt64("$pcount", int64(v.PCount))
	_, err := stmt.Step()
	return err
}

// GetMailTrap looks up a spamtrap MAIL row.
func (s *Store) GetMailTrap(ctx context.Context, mail string) (bool, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT 1 FROM GreyMail WHERE Mail=$mail AND PCount=$pcount;`)
	stmt.SetText("$mail", mail)
	stmt.SetInt64("$pcount", PCountSpamtrap)
	defer stmt.Reset()
	return stmt.Step()
}

// PutMailTrap installs a spamtrap MAIL row; it never expires.
func (s *Store) PutMailTrap(ctx context.Context, mail string) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`INSERT INTO GreyMail (Mail, First, Expire, PCount)
		VALUES ($mail, $first, 0, $pcount)
		ON CONFLICT (Mail) DO NOTHING;`)
	stmt.SetText("$mail", mail)
	stmt.SetInt64("$first", time.Now().Unix())
	stmt.SetInt64("$pcount", PCountSpamtrap)
	_, err := stmt.Step()
	return err
}

// ExpireCounts summarizes one scanner sweep's deletions.
type ExpireCounts struct {
	Tuples int
	IPs    int
}

// DeleteExpired removes every tuple and IP row whose Expire is before
// now (spec.md §4.5 step 1). MAIL rows never expire (Expire is
// always 0/zero) and are untouched.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (ExpireCounts, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ExpireCounts{}, context.Canceled
	}
	defer s.pool.Put(conn)

	var counts ExpireCounts

	stmt := conn.Prep(`DELETE FROM GreyTuples WHERE Expire != 0 AND Expire < $now;`)
	stmt.SetInt64("$now", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return counts, err
	}
	counts.Tuples = conn.Changes()

	stmt = conn.Prep(`DELETE FROM GreyIPs WHERE Expire != 0 AND Expire < $now;`)
	stmt.SetInt64("$now", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return counts, err
	}
	counts.IPs = conn.Changes()

	return counts, nil
}

// TrapIPs returns every non-expired trap IP address.
func (s *Store) TrapIPs(ctx context.Context, now time.Time) ([]string, error) {
	return s.ipsOfKind(ctx, "trap", now)
}

// WhiteIPs returns every non-expired white IP address.
func (s *Store) WhiteIPs(ctx context.Context, now time.Time) ([]string, error) {
	return s.ipsOfKind(ctx, "white", now)
}

func (s *Store) ipsOfKind(ctx context.Context, kind string, now time.Time) ([]string, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT Addr FROM GreyIPs WHERE Kind=$kind AND (Expire = 0 OR Expire > $now) ORDER BY Addr;`)
	stmt.SetText("$kind", kind)
	stmt.SetInt64("$now", now.Unix())
	defer stmt.Reset()

	var addrs []string
	for {
		has, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !has {
			break
		}
		addrs = append(addrs, stmt.GetText("Addr"))
	}
	return addrs, nil
}
