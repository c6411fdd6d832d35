package greylist

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"tarpitd.org/tarpitd/wire"
)

// Config carries the subset of the on-disk configuration (spec.md §6)
// that the updater's policy depends on.
type Config struct {
	PassTime   time.Duration
	GreyExpire time.Duration
	WhiteExpire time.Duration
	TrapExpire time.Duration
	LowPrioMXIP string // if non-empty, a grey tuple's ip matching this is trapped immediately
}

// DefaultConfig mirrors the greylisting defaults quoted in most
// spamd-derived implementations: a twenty-five minute grace period before
// promotion, a few hours before an unconfirmed tuple is forgotten,
// thirty days of earned trust, and a day in the traplist once caught.
func DefaultConfig() Config {
	return Config{
		PassTime:    25 * time.Minute,
		GreyExpire:  4 * time.Hour,
		WhiteExpire: 30 * 24 * time.Hour,
		TrapExpire:  24 * time.Hour,
	}
}

// Stats accumulates counters across the lifetime of an Updater;
// greyupdate logs them when it shuts down (spec.md §9 supplement:
// greyd exposes trap-promotion counts via its logging output).
type Stats struct {
	Processed int
	Trapped   int
	Promoted  int
	Malformed int
}

// Updater is the sole writer of tuple/white/trap rows (spec.md §4.4).
// It is intentionally single-threaded: records are applied serially
// in the order they are read off the grey pipe.
type Updater struct {
	Store  *Store
	Config Config
	Logf   func(format string, v ...interface{})

	stats Stats
}

// Stats returns a snapshot of the updater's running counters.
func (u *Updater) Stats() Stats { return u.stats }

func (u *Updater) logf(format string, v ...interface{}) {
	if u.Logf != nil {
		u.Logf(format, v...)
	}
}

// Run reads records from r until it returns io.EOF or ctx is
// cancelled. A malformed record is discarded and the loop continues,
// per spec.md §7 ("Malformed internal record -> skip to the next %
// delimiter; do not crash.").
func (u *Updater) Run(ctx context.Context, r io.Reader) error {
	dec := wire.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if rec == nil {
			u.stats.Malformed++
			u.logf("greylist: discarding malformed record")
			continue
		}

		if err := u.apply(ctx, rec); err != nil {
			u.logf("greylist: applying record: %v", err)
		}
		u.stats.Processed++
	}
}

func (u *Updater) apply(ctx context.Context, rec wire.Record) error {
	switch rec["type"] {
	case "GREY":
		return u.applyGrey(ctx, rec)
	case "WHITE":
		return u.applyWhite(ctx, rec)
	case "TRAP":
		return u.applyTrap(ctx, rec)
	default:
		u.stats.Malformed++
		return &RecordError{Record: rec, Reason: fmt.Sprintf("unknown record type %q", rec["type"])}
	}
}

// RecordError reports a record the updater chose to skip rather than
// apply, carrying enough of the record to log without re-parsing it.
// Returning one (instead of just logging and returning nil) lets a
// caller other than Run -- a test, or a future admin tool -- inspect
// what got dropped and why.
type RecordError struct {
	Record wire.Record
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("greylist: skipping record %v: %s", e.Record, e.Reason)
}

func (u *Updater) applyGrey(ctx context.Context, rec wire.Record) error {
	ip, helo, from, to := rec["ip"], rec["helo"], rec["from"], rec["to"]
	now := time.Now()

	// (a) spamtrap MAIL row for `to` traps the sender outright.
	if isTrap, err := u.Store.GetMailTrap(ctx, to); err != nil {
		return err
	} else if isTrap {
		u.stats.Trapped++
		return u.Store.UpsertTrapIP(ctx, ip, now, now.Add(u.Config.TrapExpire), 1)
	}

	// (c) a low-priority-MX hit is promoted to trap immediately; such
	// senders skip the primary MX entirely, a strong spam signal.
	if u.Config.LowPrioMXIP != "" && ip == u.Config.LowPrioMXIP {
		u.stats.Trapped++
		return u.Store.UpsertTrapIP(ctx, ip, now, now.Add(u.Config.TrapExpire), 1)
	}

	// (b) ordinary grey tuple upsert.
	existing, ok, err := u.Store.GetTuple(ctx, ip, helo, from, to)
	if err != nil {
		return err
	}
	if !ok {
		v := Value{
			First:  now,
			Pass:   now.Add(u.Config.PassTime),
			Expire: now.Add(u.Config.GreyExpire),
			BCount: 1,
			PCount: 0,
		}
		return u.Store.PutTuple(ctx, ip, helo, from, to, v)
	}

	existing.BCount++
	if !now.Before(existing.Pass) {
		if err := u.Store.UpsertWhiteIP(ctx, ip, now, now.Add(u.Config.WhiteExpire)); err != nil {
			return err
		}
		existing.PCount++
		u.stats.Promoted++
	}
	return u.Store.PutTuple(ctx, ip, helo, from, to, existing)
}

func (u *Updater) applyWhite(ctx context.Context, rec wire.Record) error {
	expires, err := parseUnix(rec["expires"])
	if err != nil {
		return err
	}
	return u.Store.UpsertWhiteIP(ctx, rec["ip"], time.Now(), expires)
}

func (u *Updater) applyTrap(ctx context.Context, rec wire.Record) error {
	expires, err := parseUnix(rec["expires"])
	if err != nil {
		return err
	}
	u.stats.Trapped++
	return u.Store.UpsertTrapIP(ctx, rec["ip"], time.Now(), expires, 1)
}

func parseUnix(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
