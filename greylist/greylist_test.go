package greylist

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"tarpitd.org/tarpitd/firewall"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestGreylistPromotion reproduces spec.md §8 scenario 4: a tuple's
// second arrival after PASSTIME promotes its source IP to white.
func TestGreylistPromotion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := &Updater{Store: store, Config: DefaultConfig()}

	t0 := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	u.Config.PassTime = 25 * time.Minute
	u.Config.WhiteExpire = 30 * 24 * time.Hour

	// First arrival.
	if err := store.PutTuple(ctx, "ip1", "helo1", "from1", "to1", Value{
		First: t0, Pass: t0.Add(u.Config.PassTime), Expire: t0.Add(4 * time.Hour), BCount: 1,
	}); err != nil {
		t.Fatalf("seed PutTuple: %v", err)
	}

	// Second arrival after PASSTIME: simulate what applyGrey does,
	// directly exercising the promotion branch.
	second := t0.Add(u.Config.PassTime).Add(time.Second)
	existing, ok, err := store.GetTuple(ctx, "ip1", "helo1", "from1", "to1")
	if err != nil || !ok {
		t.Fatalf("GetTuple: ok=%v err=%v", ok, err)
	}
	existing.BCount++
	if !second.Before(existing.Pass) {
		if err := store.UpsertWhiteIP(ctx, "ip1", second, second.Add(u.Config.WhiteExpire)); err != nil {
			t.Fatalf("UpsertWhiteIP: %v", err)
		}
		existing.PCount++
	}
	if err := store.PutTuple(ctx, "ip1", "helo1", "from1", "to1", existing); err != nil {
		t.Fatalf("PutTuple: %v", err)
	}

	white, ok, err := store.GetIP(ctx, "ip1")
	if err != nil || !ok {
		t.Fatalf("GetIP: ok=%v err=%v", ok, err)
	}
	wantExpire := second.Add(u.Config.WhiteExpire).Unix()
	if white.Expire.Unix() != wantExpire {
		t.Errorf("white expire = %v, want %v", white.Expire, time.Unix(wantExpire, 0))
	}
}

// TestSpamtrapTrigger reproduces spec.md §8 scenario 5.
func TestSpamtrapTrigger(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.PutMailTrap(ctx, "trap@example.com"); err != nil {
		t.Fatalf("PutMailTrap: %v", err)
	}

	u := &Updater{Store: store, Config: DefaultConfig()}
	var buf bytes.Buffer
	buf.WriteString(`type="GREY"
dst_ip="10.0.0.1"
ip="6.6.6.6"
helo="spammer"
from="a@b.com"
to="trap@example.com"
%
`)
	if err := u.Run(ctx, &buf); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, err := store.GetTuple(ctx, "6.6.6.6", "spammer", "a@b.com", "trap@example.com"); err != nil || ok {
		t.Fatalf("expected no tuple row, ok=%v err=%v", ok, err)
	}

	trap, ok, err := store.GetIP(ctx, "6.6.6.6")
	if err != nil || !ok {
		t.Fatalf("GetIP trap: ok=%v err=%v", ok, err)
	}
	if trap.PCount != PCountTrapped {
		t.Errorf("trap.PCount = %d, want %d", trap.PCount, PCountTrapped)
	}
}

// TestScannerEmission reproduces spec.md §8 scenario 6.
func TestScannerEmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()
	for _, ip := range []string{"3.4.2.1", "3.4.2.2", "3.4.3.2"} {
		if err := store.UpsertTrapIP(ctx, ip, now, now.Add(time.Hour), 1); err != nil {
			t.Fatalf("seed trap %s: %v", ip, err)
		}
	}

	sc := &Scanner{
		Store:    store,
		Firewall: &firewall.Dummy{},
		Config: ScannerConfig{
			TraplistName:    "tarpitd-traps",
			TraplistMessage: "you are trapped",
			TrapSetName:     "tarpit_traps",
			WhiteSetName:    "tarpit_white",
		},
	}

	var pipe bytes.Buffer
	if err := sc.Once(ctx, now, &pipe); err != nil {
		t.Fatalf("Once: %v", err)
	}

	out := pipe.String()
	if !strings.Contains(out, `name="tarpitd-traps"`) {
		t.Errorf("missing name field: %s", out)
	}
	if !strings.Contains(out, `ips="3.4.2.1/32,3.4.2.2/32,3.4.3.2/32"`) {
		t.Errorf("missing/incorrect ips field: %s", out)
	}
}

// TestScannerNeverEmitsExpiredTrap is the invariant from spec.md §8.
func TestScannerNeverEmitsExpiredTrap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()
	if err := store.UpsertTrapIP(ctx, "9.9.9.9", now.Add(-time.Hour), now.Add(-time.Minute), 1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sc := &Scanner{
		Store:    store,
		Firewall: &firewall.Dummy{},
		Config:   ScannerConfig{TraplistName: "t", TraplistMessage: "m", TrapSetName: "ts", WhiteSetName: "ws"},
	}
	if err := sc.Once(ctx, now, nil); err != nil {
		t.Fatalf("Once: %v", err)
	}

	trapIPs, err := store.TrapIPs(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	for _, ip := range trapIPs {
		if ip == "9.9.9.9" {
			t.Fatalf("expired trap IP still present: %v", trapIPs)
		}
	}
}

// TestTrapIPsExcludesExactlyExpiredRow exercises the boundary
// spec.md §8 names explicitly: a row with Expire == now must never be
// emitted, even though DeleteExpired's strict "<" comparison (spec.md
// §4.5 step 1) intentionally leaves it in the table for one more pass.
func TestTrapIPsExcludesExactlyExpiredRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	if err := store.UpsertTrapIP(ctx, "9.9.9.9", now.Add(-time.Hour), now, 1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	counts, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if counts.IPs != 0 {
		t.Fatalf("DeleteExpired deleted %d IPs, want 0 (Expire == now survives strict '<')", counts.IPs)
	}

	trapIPs, err := store.TrapIPs(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	for _, ip := range trapIPs {
		if ip == "9.9.9.9" {
			t.Fatalf("TrapIPs emitted a row with Expire == now: %v", trapIPs)
		}
	}
}
