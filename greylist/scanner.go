package greylist

import (
	"context"
	"io"
	"time"

	"tarpitd.org/tarpitd/blacklist"
	"tarpitd.org/tarpitd/firewall"
	"tarpitd.org/tarpitd/wire"
)

// ScannerConfig names the two derived sets the scanner maintains and
// the message the front-end should use for the traplist.
type ScannerConfig struct {
	TraplistName    string
	TraplistMessage string
	TrapSetName     string // firewall set name for trap IPs
	WhiteSetName    string // firewall set name for white IPs
}

// Scanner runs spec.md §4.5's periodic pass: expire stale rows,
// collect the current trap/white sets, push them to the firewall
// driver, and push the traplist to the front-end over the config
// pipe. Scanner failures are logged and retried next tick; a single
// failure never stops the process (spec.md §4.5).
type Scanner struct {
	Store    *Store
	Firewall firewall.Driver
	Config   ScannerConfig
	Logf     func(format string, v ...interface{})
}

func (s *Scanner) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
	}
}

// Run ticks once per interval until ctx is cancelled, calling Once on
// every tick and logging (never propagating) its error.
func (s *Scanner) Run(ctx context.Context, interval time.Duration, configPipe io.Writer) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Once(ctx, time.Now(), configPipe); err != nil {
				s.logf("greylist scanner: %v", err)
			}
		}
	}
}

// Once performs a single scan pass (spec.md §4.5 steps 1-4).
func (s *Scanner) Once(ctx context.Context, now time.Time, configPipe io.Writer) error {
	counts, err := s.Store.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	s.logf("greylist scanner: expired %d tuples, %d IPs", counts.Tuples, counts.IPs)

	trapIPs, err := s.Store.TrapIPs(ctx, now)
	if err != nil {
		return err
	}
	trapCIDRs := cidrCover(trapIPs)
	if err := s.Firewall.Replace(s.Config.TrapSetName, cidrStrings(trapCIDRs)); err != nil {
		s.logf("greylist scanner: firewall replace %s: %v", s.Config.TrapSetName, err)
	}

	if configPipe != nil {
		if err := s.pushConfig(configPipe, trapCIDRs); err != nil {
			s.logf("greylist scanner: config push: %v", err)
		}
	}

	whiteIPs, err := s.Store.WhiteIPs(ctx, now)
	if err != nil {
		return err
	}
	whiteCIDRs := cidrCover(whiteIPs)
	if err := s.Firewall.Replace(s.Config.WhiteSetName, cidrStrings(whiteCIDRs)); err != nil {
		s.logf("greylist scanner: firewall replace %s: %v", s.Config.WhiteSetName, err)
	}

	return nil
}

func (s *Scanner) pushConfig(w io.Writer, trapCIDRs []blacklist.CIDR) error {
	ips := cidrStrings(trapCIDRs)
	rec := wire.Record{
		"name":    s.Config.TraplistName,
		"message": s.Config.TraplistMessage,
		"ips":     joinIPs(ips),
	}
	return wire.NewWriter(w).Write(rec, []string{"name", "message", "ips"})
}

func joinIPs(ips []string) string {
	out := ""
	for i, ip := range ips {
		if i > 0 {
			out += ","
		}
		out += ip
	}
	return out
}

// cidrCover collapses a flat list of dotted-quad addresses into the
// minimal sorted CIDR cover, reusing the blacklist package's range
// engine with each address as a trivial [addr, addr] black range.
func cidrCover(addrs []string) []blacklist.CIDR {
	if len(addrs) == 0 {
		return nil
	}
	b := blacklist.New("scan", "")
	for _, a := range addrs {
		ip, ok := parseIPv4(a)
		if !ok {
			continue
		}
		b.AddBlack(ip, ip)
	}
	return blacklist.Collapse(b)
}

func cidrStrings(cidrs []blacklist.CIDR) []string {
	out := make([]string, len(cidrs))
	for i, c := range cidrs {
		out[i] = c.String()
	}
	return out
}

func parseIPv4(s string) (uint32, bool) {
	var a, b, c, d uint32
	n, err := parseOctets(s, &a, &b, &c, &d)
	if err != nil || n != 4 {
		return 0, false
	}
	return a<<24 | b<<16 | c<<8 | d, true
}

// parseOctets is a tiny dotted-quad scanner, avoiding a net.ParseIP
// round trip through 16-byte form for the hot scanner path.
func parseOctets(s string, out ...*uint32) (int, error) {
	i, n := 0, 0
	for n < len(out) {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return n, errBadOctet
		}
		v := uint32(0)
		for _, ch := range s[start:i] {
			v = v*10 + uint32(ch-'0')
		}
		if v > 255 {
			return n, errBadOctet
		}
		*out[n] = v
		n++
		if n < len(out) {
			if i >= len(s) || s[i] != '.' {
				return n, errBadOctet
			}
			i++
		}
	}
	if i != len(s) {
		return n, errBadOctet
	}
	return n, nil
}

var errBadOctet = errNotIPv4{}

type errNotIPv4 struct{}

func (errNotIPv4) Error() string { return "greylist: not a dotted-quad IPv4 address" }
