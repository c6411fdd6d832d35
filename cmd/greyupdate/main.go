// Command greyupdate is the sole writer of the greylisting database
// (spec.md §4.4). It reads GREY/WHITE/TRAP records, framed per the
// wire package, from its standard input -- one end of a pipe the
// tarpitd front-end holds the other end of -- and applies them
// serially so every tuple/white/trap upsert is free of races with no
// locking beyond sqlite's own.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tarpitd.org/tarpitd/config"
	"tarpitd.org/tarpitd/greylist"
)

func main() {
	log.SetFlags(0)

	flagDB := flag.String("db", "greylist.db", "path to the greylist sqlite database")
	flagConfig := flag.String("config", "", "path to tarpitd.toml, for low_prio_mx.ip")
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("greyupdate: loading config: %v", err)
	}

	store, err := greylist.Open(*flagDB)
	if err != nil {
		log.Fatalf("greyupdate: opening %s: %v", *flagDB, err)
	}
	defer store.Close()

	updaterConfig := greylist.DefaultConfig()
	updaterConfig.LowPrioMXIP = cfg.LowPrioMXIP

	u := &greylist.Updater{
		Store:  store,
		Config: updaterConfig,
		Logf:   log.Printf,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := u.Run(ctx, os.Stdin); err != nil && err != context.Canceled {
		log.Printf("greyupdate: run: %v", err)
	}

	stats := u.Stats()
	log.Printf("greyupdate: shut down (processed=%d trapped=%d promoted=%d malformed=%d)",
		stats.Processed, stats.Trapped, stats.Promoted, stats.Malformed)
}
