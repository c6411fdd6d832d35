package tarpit

import (
	"testing"

	"tarpitd.org/tarpitd/blacklist"
)

func TestConnectionTableAdmitReleaseCounters(t *testing.T) {
	tbl := NewConnectionTable(2)

	i0, c0, err := tbl.Admit()
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	c0.Matches = []blacklist.Match{{Name: "x"}}
	tbl.NoteBlacklisted(true)

	i1, _, err := tbl.Admit()
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if tbl.Clients() != 2 {
		t.Fatalf("Clients() = %d, want 2", tbl.Clients())
	}
	if tbl.BlackClients() != 1 {
		t.Fatalf("BlackClients() = %d, want 1", tbl.BlackClients())
	}

	if _, _, err := tbl.Admit(); err != ErrTableFull {
		t.Fatalf("Admit on full table: got %v, want ErrTableFull", err)
	}

	tbl.Release(i0)
	if tbl.Clients() != 1 {
		t.Fatalf("Clients() after release = %d, want 1", tbl.Clients())
	}
	if tbl.BlackClients() != 0 {
		t.Fatalf("BlackClients() after releasing blacklisted slot = %d, want 0", tbl.BlackClients())
	}

	i2, _, err := tbl.Admit()
	if err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
	if i2 != i0 {
		t.Fatalf("expected freed slot %d to be reused, got %d", i0, i2)
	}

	tbl.Release(i1)
	tbl.Release(i2)
	if tbl.Clients() != 0 {
		t.Fatalf("Clients() after draining table = %d, want 0", tbl.Clients())
	}
}

func TestConnectionTableReleaseIsIdempotent(t *testing.T) {
	tbl := NewConnectionTable(1)
	i, _, err := tbl.Admit()
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	tbl.Release(i)
	tbl.Release(i) // must not double-decrement clients
	if tbl.Clients() != 0 {
		t.Fatalf("Clients() = %d, want 0 after double release", tbl.Clients())
	}
}

func TestConnectionTableForEach(t *testing.T) {
	tbl := NewConnectionTable(3)
	tbl.Admit()
	tbl.Admit()

	seen := 0
	tbl.ForEach(func(i int, c *Connection) { seen++ })
	if seen != 2 {
		t.Fatalf("ForEach visited %d slots, want 2", seen)
	}
}
