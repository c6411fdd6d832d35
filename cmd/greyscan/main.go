// Command greyscan is the periodic housekeeping process (spec.md
// §4.5): it expires stale rows, recomputes the trap and white CIDR
// sets, pushes them to the firewall driver, and dials the tarpitd
// front-end's config port to push the current traplist so new
// connections see it without a front-end restart.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tarpitd.org/tarpitd/firewall"
	"tarpitd.org/tarpitd/greylist"
)

func main() {
	log.SetFlags(0)

	flagDB := flag.String("db", "greylist.db", "path to the greylist sqlite database")
	flagConfigAddr := flag.String("config-addr", "", "tarpitd config port to push traplist updates to")
	flagInterval := flag.Duration("interval", time.Minute, "scan interval")
	flagTraplistName := flag.String("traplist-name", "tarpitd-traps", "blacklist name pushed for trapped IPs")
	flagTraplistMessage := flag.String("traplist-message", "You are on a spam trap blacklist.", "reject message pushed for trapped IPs")
	flagTrapSet := flag.String("trap-set", "tarpitd_traps", "firewall set name for trap IPs")
	flagWhiteSet := flag.String("white-set", "tarpitd_white", "firewall set name for white IPs")
	flagOnce := flag.Bool("once", false, "run a single scan-and-push pass and exit, instead of looping on -interval")
	flag.Parse()

	store, err := greylist.Open(*flagDB)
	if err != nil {
		log.Fatalf("greyscan: opening %s: %v", *flagDB, err)
	}
	defer store.Close()

	fw := &firewall.Dummy{}
	if err := fw.Open(); err != nil {
		log.Fatalf("greyscan: opening firewall driver: %v", err)
	}
	defer fw.Close()

	scanner := &greylist.Scanner{
		Store:    store,
		Firewall: fw,
		Config: greylist.ScannerConfig{
			TraplistName:    *flagTraplistName,
			TraplistMessage: *flagTraplistMessage,
			TrapSetName:     *flagTrapSet,
			WhiteSetName:    *flagWhiteSet,
		},
		Logf: log.Printf,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	configPipe := dialConfigPort(ctx, *flagConfigAddr)
	if configPipe != nil {
		defer configPipe.Close()
	}

	if *flagOnce {
		if err := scanner.Once(ctx, time.Now(), configPipe); err != nil {
			log.Fatalf("greyscan: %v", err)
		}
		return
	}

	scanner.Run(ctx, *flagInterval, configPipe)
	log.Printf("greyscan: shut down")
}

// dialConfigPort connects to tarpitd's config port, retrying briefly
// since greyscan and tarpitd are started concurrently and the
// listener may not be up yet. A nil return disables config pushes;
// the scanner still performs its database and firewall housekeeping.
func dialConfigPort(ctx context.Context, addr string) net.Conn {
	if addr == "" {
		return nil
	}
	for attempt := 0; attempt < 10; attempt++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
	log.Printf("greyscan: could not reach config port %s, pushes disabled", addr)
	return nil
}
