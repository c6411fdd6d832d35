// Command tarpitd is the SMTP tarpit front-end (spec.md §4.6). It
// accepts inbound SMTP connections, classifies peers against the
// loaded blacklists, runs the per-connection stutter/state machine,
// and forwards grey tuples to a separate greyupdate process over a
// pipe. It also listens for the greyscan process's periodic traplist
// push on its config port, the same three-process split spec.md §5
// describes for the original daemon.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"crawshaw.io/iox"
	"golang.org/x/sys/unix"

	"tarpitd.org/tarpitd/blacklist"
	"tarpitd.org/tarpitd/config"
	"tarpitd.org/tarpitd/firewall"
	"tarpitd.org/tarpitd/tarpit"
	"tarpitd.org/tarpitd/wire"
)

func main() {
	log.SetFlags(0)

	flagConfig := flag.String("config", "", "path to tarpitd.toml (defaults built in if omitted)")
	flagAddr := flag.String("addr", "", "listen address, overrides config's port")
	flagUpdateBin := flag.String("greyupdate", "greyupdate", "path to the greyupdate binary")
	flagScanBin := flag.String("greyscan", "greyscan", "path to the greyscan binary")
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("tarpitd: loading config: %v", err)
	}

	if err := raiseFileLimit(cfg.MaxCons); err != nil {
		log.Printf("tarpitd: raising RLIMIT_NOFILE: %v (continuing with current limit)", err)
	}

	addr := *flagAddr
	if addr == "" {
		addr = net.JoinHostPort(cfg.BindAddress, itoa(cfg.Port))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("tarpitd: listen %s: %v", addr, err)
	}
	log.Printf("tarpitd: listening on %s", ln.Addr())

	cfgLn, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", itoa(cfg.ConfigPort)))
	if err != nil {
		log.Fatalf("tarpitd: listen config port %d: %v", cfg.ConfigPort, err)
	}
	log.Printf("tarpitd: config port listening on %s", cfgLn.Addr())

	gl := newGreylister(cfg)

	greyW, updateCmd, err := spawnUpdater(*flagUpdateBin, cfg.Database.Path, *flagConfig)
	if err != nil {
		log.Fatalf("tarpitd: starting greyupdate: %v", err)
	}
	gl.GreyPipe = greyW
	gl.UpdateCmd = updateCmd

	scanCmd, err := spawnScanner(*flagScanBin, cfg.Database.Path, cfgLn.Addr().String(), cfg)
	if err != nil {
		log.Fatalf("tarpitd: starting greyscan: %v", err)
	}
	gl.ScanCmd = scanCmd

	registry := blacklist.NewRegistry()
	go acceptConfigPushes(cfgLn, registry, gl)

	filer := iox.NewFiler(0)
	tempdir, err := os.MkdirTemp("", "tarpitd-")
	if err != nil {
		log.Fatalf("tarpitd: creating temp dir: %v", err)
	}
	filer.SetTempdir(tempdir)

	fw := newFirewallDriver(cfg.Firewall)
	if err := fw.Open(); err != nil {
		log.Fatalf("tarpitd: opening firewall driver: %v", err)
	}

	server := &tarpit.Server{
		Config: tarpit.Config{
			Hostname:    cfg.Hostname,
			Banner:      cfg.Banner,
			ErrorCode:   cfg.ErrorCode,
			Stutter:     cfg.Stutter,
			GreyStutter: cfg.GreyStutter,
			MaxBlack:    cfg.MaxBlack,
			MaxCons:     cfg.MaxCons,
			EnableGrey:  cfg.EnableGrey,
			Window:      cfg.Window,
		},
		Table:      tarpit.NewConnectionTable(cfg.MaxCons),
		Blacklists: registry,
		Firewall:   fw,
		Filer:      filer,
		Logf:       log.Printf,
		EmitGrey:   greyEmitter(greyW),
	}

	go func() {
		if err := server.Serve(ln); err != nil {
			log.Printf("tarpitd: serve: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	<-ctx.Done()

	updatePID, scanPID := gl.PIDs()
	_, trapSnapshot := gl.Snapshots()
	log.Printf("tarpitd: shutting down after %s (greyupdate pid=%d greyscan pid=%d traplist=%d CIDRs)",
		gl.Uptime(), updatePID, scanPID, len(trapSnapshot))
	server.Shutdown()
	cfgLn.Close()
	greyW.Close()
	fw.Close()

	terminate(updateCmd)
	terminate(scanCmd)

	waitWithTimeout(updateCmd, 2*time.Second)
	waitWithTimeout(scanCmd, 2*time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := filer.Shutdown(shutdownCtx); err != nil {
		log.Printf("tarpitd: filer shutdown error: %v", err)
	}
	log.Printf("tarpitd: shut down")
}

// newFirewallDriver selects the firewall.Driver named by cfg.Driver.
// The only driver this repo ships is the no-op recorder; a real
// pf/iptables binding would be selected here by name too, once one
// exists (spec.md §9's open question on Con_get_orig_dst_addr).
func newFirewallDriver(cfg config.DriverConfig) firewall.Driver {
	switch cfg.Driver {
	case "", "dummy":
		return &firewall.Dummy{}
	default:
		log.Printf("tarpitd: unknown firewall driver %q, falling back to dummy", cfg.Driver)
		return &firewall.Dummy{}
	}
}

// greyEmitter adapts a pipe writer into the tarpit server's
// GreyTupleFunc, framing each tuple as a wire GREY record (spec.md
// §4.3's RCPT transition).
func greyEmitter(w *os.File) tarpit.GreyTupleFunc {
	wr := wire.NewWriter(w)
	return func(dstIP, srcIP, helo, from, to string) error {
		rec := wire.Record{
			"type":   "GREY",
			"ip":     srcIP,
			"dst_ip": dstIP,
			"helo":   helo,
			"from":   from,
			"to":     to,
		}
		return wr.Write(rec, []string{"type", "ip", "dst_ip", "helo", "from", "to"})
	}
}

// acceptConfigPushes serves the config port greyscan dials into,
// loading each pushed traplist record into the live blacklist
// registry (spec.md §4.5 step 3) and recording it on gl as the
// process's current traplist snapshot.
func acceptConfigPushes(ln net.Listener, registry *blacklist.Registry, gl *Greylister) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			rd := wire.NewReader(c)
			for {
				rec, err := rd.Next()
				if err != nil {
					return
				}
				if rec == nil {
					continue
				}
				cidrs := parseConfigCIDRs(rec["ips"])
				registry.Load(rec["name"], rec["message"], cidrs)
				gl.noteTraplistPush(rec["name"], rec["message"], cidrs)
				log.Printf("tarpitd: loaded %d CIDRs into blacklist %q", len(cidrs), rec["name"])
			}
		}(conn)
	}
}

func parseConfigCIDRs(joined string) []blacklist.CIDR {
	var out []blacklist.CIDR
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ',' {
			if i > start {
				if c, ok := blacklist.ParseCIDR(joined[start:i]); ok {
					out = append(out, c)
				}
			}
			start = i + 1
		}
	}
	return out
}

func spawnUpdater(bin, dbPath, configPath string) (*os.File, *exec.Cmd, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	args := []string{"-db", dbPath}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdin = r
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, nil, err
	}
	r.Close()
	return w, cmd, nil
}

// spawnScanner starts the greyscan child with the same traplist/set
// names and scan interval tarpitd itself loaded, so the two processes
// never drift onto different defaults when no -config is given.
func spawnScanner(bin, dbPath, configAddr string, cfg config.Config) (*exec.Cmd, error) {
	cmd := exec.Command(bin,
		"-db", dbPath,
		"-config-addr", configAddr,
		"-interval", cfg.ScanInterval.String(),
		"-traplist-name", cfg.TraplistName,
		"-traplist-message", cfg.TraplistMessage,
		"-trap-set", cfg.TrapSetName,
		"-white-set", cfg.WhiteSetName,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

func waitWithTimeout(cmd *exec.Cmd, d time.Duration) {
	if cmd == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(d):
		cmd.Process.Kill()
	}
}

// raiseFileLimit requests at least wantCons+15 file descriptors (one
// per client socket plus 15 for the pipes, listeners and standard
// streams), capped at the hard limit. It runs before the connection
// table is allocated at wantCons slots.
func raiseFileLimit(wantCons int) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	want := uint64(wantCons) + 15
	if rlim.Cur >= want {
		return nil
	}
	if rlim.Max < want {
		want = rlim.Max
	}
	rlim.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
