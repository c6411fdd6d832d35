package main

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"tarpitd.org/tarpitd/blacklist"
	"tarpitd.org/tarpitd/config"
)

// Greylister is the process-wide supervisor state spec.md §3 names:
// the config this process was started with, the traplist artifact
// name/message it is currently serving, the most recent trap CIDR
// snapshot pushed by greyscan (plus a white snapshot that nothing
// writes in this topology), the child processes' PIDs and
// pipe handle, and when this process came up. One instance exists per
// tarpitd process; its fields are read by the signal-driven shutdown
// path and written by acceptConfigPushes as traplist updates arrive.
type Greylister struct {
	Config config.Config

	TraplistName    string
	TraplistMessage string

	StartTime time.Time

	// whiteSnapshot mirrors spec.md §3's "whitelist snapshot list"
	// field. Unlike the trap set, the white CIDR cover is never sent
	// back over the config pipe (spec.md §4.5 step 3 names only the
	// traplist), so nothing currently calls a setter for it; it stays
	// at its zero value in this topology.
	mu            sync.Mutex
	whiteSnapshot []blacklist.CIDR
	trapSnapshot  []blacklist.CIDR

	UpdateCmd *exec.Cmd
	ScanCmd   *exec.Cmd
	GreyPipe  *os.File
}

// newGreylister builds a Greylister from the loaded config, before
// either child process has been spawned.
func newGreylister(cfg config.Config) *Greylister {
	return &Greylister{
		Config:          cfg,
		TraplistName:    cfg.TraplistName,
		TraplistMessage: cfg.TraplistMessage,
		StartTime:       time.Now(),
	}
}

// PIDs reports the child processes' PIDs, 0 for any not yet started.
func (g *Greylister) PIDs() (updatePID, scanPID int) {
	if g.UpdateCmd != nil && g.UpdateCmd.Process != nil {
		updatePID = g.UpdateCmd.Process.Pid
	}
	if g.ScanCmd != nil && g.ScanCmd.Process != nil {
		scanPID = g.ScanCmd.Process.Pid
	}
	return updatePID, scanPID
}

// noteTraplistPush records the snapshot pushed by the most recent
// greyscan config-port push (spec.md §4.5 step 3), so the running
// process always has the last-known trap set on hand without
// re-querying the database. The white snapshot is not touched.
func (g *Greylister) noteTraplistPush(name, message string, traps []blacklist.CIDR) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.TraplistName = name
	g.TraplistMessage = message
	g.trapSnapshot = traps
}

// Snapshots returns the most recently recorded white and trap CIDR
// covers.
func (g *Greylister) Snapshots() (white, trap []blacklist.CIDR) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.whiteSnapshot, g.trapSnapshot
}

// Uptime reports how long this process has been running.
func (g *Greylister) Uptime() time.Duration {
	return time.Since(g.StartTime)
}
