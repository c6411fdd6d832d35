package tarpit

import "sync"

// ConnectionTable is a fixed-capacity, slot-reused connection array
// (spec.md §3). Its size is fixed when it is created (cmd/tarpitd
// passes max_cons) and it is never resized (spec.md §5).
type ConnectionTable struct {
	mu    sync.Mutex
	slots []Connection
	used  []bool

	clients      int
	blackClients int
}

// NewConnectionTable allocates a table with room for capacity
// simultaneous connections.
func NewConnectionTable(capacity int) *ConnectionTable {
	return &ConnectionTable{
		slots: make([]Connection, capacity),
		used:  make([]bool, capacity),
	}
}

// Capacity returns the table's fixed slot count.
func (t *ConnectionTable) Capacity() int { return len(t.slots) }

// Clients returns the live invariant clients == count(fd >= 0).
func (t *ConnectionTable) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients
}

// BlackClients returns the live invariant black_clients ==
// count(non-empty matched-blacklist list).
func (t *ConnectionTable) BlackClients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blackClients
}

// Admit finds a free slot and returns its index and connection
// pointer, or ErrTableFull if none is available. The caller must call
// Init on the returned *Connection before using it, and Release when
// the connection closes.
func (t *ConnectionTable) Admit() (int, *Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, used := range t.used {
		if !used {
			t.used[i] = true
			t.clients++
			return i, &t.slots[i], nil
		}
	}
	return -1, nil, ErrTableFull
}

// NoteBlacklisted must be called once, right after Init, if the
// connection's Matches is non-empty, to keep BlackClients() accurate.
func (t *ConnectionTable) NoteBlacklisted(blacklisted bool) {
	if !blacklisted {
		return
	}
	t.mu.Lock()
	t.blackClients++
	t.mu.Unlock()
}

// Release frees slot i: it closes the connection (zeroing the slot
// for reuse) and updates the table's counters.
func (t *ConnectionTable) Release(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.used[i] {
		return
	}
	wasBlack := len(t.slots[i].Matches) > 0
	t.slots[i].Close()
	t.used[i] = false
	t.clients--
	if wasBlack {
		t.blackClients--
	}
}

// ForEach calls f with every currently-used slot's index and
// connection pointer. f must not call Admit or Release.
func (t *ConnectionTable) ForEach(f func(i int, c *Connection)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.used {
		if used {
			f(i, &t.slots[i])
		}
	}
}
