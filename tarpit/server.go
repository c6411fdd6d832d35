package tarpit

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"

	"tarpitd.org/tarpitd/blacklist"
	"tarpitd.org/tarpitd/firewall"
)

// GreyTupleFunc emits one grey tuple record to the updater pipe
// (spec.md §4.3's RCPT transition, §6's GREY record).
type GreyTupleFunc func(dstIP, srcIP, helo, from, to string) error

// Server is the tarpit front-end (spec.md §4.6). One Server instance
// owns a connection table and blacklist registry and runs a
// goroutine per accepted connection -- the idiomatic Go analogue of
// the single-threaded readiness loop described in the spec: each
// connection's progress is still gated purely by its own r_time/
// w_time deadlines (see EffectiveStutter/FlushStep), but Go's
// scheduler does the multiplexing across sockets instead of a single
// reactor thread polling a shared table.
type Server struct {
	Config     Config
	Table      *ConnectionTable
	Blacklists *blacklist.Registry
	Firewall   firewall.Driver

	// Filer backs each connection's DATA-phase message buffer. Nil is
	// fine -- the tarpit never needs the message body, only its
	// envelope, so a nil Filer just means lines are read and discarded.
	Filer *iox.Filer

	EmitGrey GreyTupleFunc // nil disables greylisting tuple emission
	Logf     func(format string, v ...interface{})

	ln net.Listener

	shutdownMu sync.Mutex
	shutdown   bool
}

// lookupOrigDst resolves the connection's pre-DNAT destination
// address through the configured firewall driver (spec.md §9's
// Con_get_orig_dst_addr open question). With no driver configured, or
// when the driver errors, it falls back to the proxy's own local
// address -- the same degraded behavior the original stub had.
func (s *Server) lookupOrigDst(netConn net.Conn) string {
	local := netConn.LocalAddr()
	if s.Firewall == nil {
		return printableAddr(local)
	}
	addr, err := s.Firewall.LookupOrigDst(netConn.RemoteAddr(), local)
	if err != nil {
		s.logf("tarpit: firewall LookupOrigDst: %v", err)
		return printableAddr(local)
	}
	return printableAddr(addr)
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.shutdownMu.Lock()
			down := s.shutdown
			s.shutdownMu.Unlock()
			if down {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Shutdown stops accepting new connections. Already-admitted sessions
// run to completion or to the caller's own process-exit handling
// (spec.md §4.6's SIGTERM fan-out is implemented by cmd/tarpitd).
func (s *Server) Shutdown() error {
	s.shutdownMu.Lock()
	s.shutdown = true
	s.shutdownMu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) serveConn(netConn net.Conn) {
	idx, c, err := s.Table.Admit()
	if err != nil {
		// Resource exhaustion: drop the connection, never abort
		// (spec.md §7).
		netConn.Close()
		return
	}
	defer s.Table.Release(idx)

	peerAddr := printableAddr(netConn.RemoteAddr())
	now := time.Now()
	matches := s.Blacklists.MatchAll(peerAddrToUint32(netConn.RemoteAddr()))

	Init(c, netConn, peerAddr, matches, s.Config, now, s.Table.BlackClients())
	c.DstAddr = s.lookupOrigDst(netConn)
	s.Table.NoteBlacklisted(len(matches) > 0)

	s.logf(`tarpit: connect %s matches=%d stutter=%s`, peerAddr, len(matches), c.stutter)

	if err := s.drainOutput(c); err != nil {
		return
	}
	c.state = StateHeloIn

	br := bufio.NewReaderSize(netConn, inBufSize)
	for c.state != StateClose {
		if wait := time.Until(c.rTime); wait > 0 {
			time.Sleep(wait)
		}

		netConn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		s.dispatch(c, line)

		if err := s.drainOutput(c); err != nil {
			return
		}
		if c.state == StateClose {
			return
		}
	}
}

// drainOutput runs FlushStep until the connection's output buffer is
// empty, honoring w_time and the current effective stutter.
func (s *Server) drainOutput(c *Connection) error {
	for {
		now := time.Now()
		if wait := c.wTime.Sub(now); wait > 0 {
			time.Sleep(wait)
			now = time.Now()
		}
		stutter := EffectiveStutter(c, s.Config, now)
		tableNear := s.Table.Clients() >= s.Table.Capacity()-5
		drained, err := c.FlushStep(now, stutter, tableNear)
		if err != nil {
			return err
		}
		if drained {
			return nil
		}
	}
}

// dispatch runs the state machine for one line of client input
// (spec.md §4.2's state table). It writes the response for this turn
// into c's output buffer.
func (s *Server) dispatch(c *Connection, line string) {
	verb, arg := splitCmd(line)

	if verb == "QUIT" {
		c.outbuf.WriteString(fmt.Sprintf("221 %s\r\n", s.Config.Hostname))
		c.lastState = c.state
		c.state = StateClose
		return
	}
	if verb == "RSET" && c.state != StateBannerSent && c.state != StateHeloIn {
		c.outbuf.WriteString("250 OK\r\n")
		c.Reset()
		return
	}

	switch c.state {
	case StateHeloIn:
		if verb == "HELO" || verb == "EHLO" {
			c.helo = arg
			c.outbuf.WriteString(fmt.Sprintf("250 %s\r\n", s.Config.Hostname))
			c.state = StateMailIn
			return
		}
		fallthrough

	case StateHeloOut, StateMailIn:
		if verb == "MAIL" {
			c.mailFrom = extractAddr(arg)
			c.haveMail = true
			c.outbuf.WriteString("250 OK\r\n")
			c.state = StateRcptIn
			return
		}
		fallthrough

	case StateRcptIn:
		if verb == "RCPT" {
			c.rcptTo = extractAddr(arg)
			c.haveRcpt = true
			c.outbuf.WriteString("250 OK\r\n")
			c.state = StateDataIn
			if c.haveMail && c.haveRcpt && !c.GreySignaled {
				s.maybeEmitGrey(c)
			}
			return
		}
		fallthrough

	case StateDataIn:
		switch verb {
		case "DATA":
			c.outbuf.WriteString("354 Go ahead\r\n")
			c.state = StateMessage
			c.dataLineCount = 0
			c.inDataBody = true
			c.StartDataBody(s.Filer)
			if err := clampReceiveWindow(c.conn, s.Config.Window); err != nil {
				s.logf("tarpit: clamping receive window for %s: %v", c.PeerAddr, err)
			}
		case "NOOP":
			c.outbuf.WriteString("250 OK\r\n")
		default:
			c.badCmdCount++
			if c.badCmdCount > maxBadCmd {
				s.reply(c)
			} else {
				c.outbuf.WriteString("500 Command not recognized\r\n")
			}
		}

	case StateMessage:
		c.dataLineCount++
		if line == "." || c.dataLineCount >= maxMessageLines {
			c.inDataBody = false
			c.CloseDataBody()
			s.reply(c)
		} else {
			c.WriteDataLine([]byte(line + "\r\n"))
		}

	default:
		c.badCmdCount++
		if c.badCmdCount > maxBadCmd {
			s.reply(c)
		}
	}
}

// reply assembles and queues the per-blacklist (or fixed 451) reply,
// then moves the connection to CLOSE (spec.md §4.2's REPLY state).
func (s *Server) reply(c *Connection) {
	code := s.Config.ErrorCode
	if code == "" {
		code = "450"
	}
	c.outbuf.Write(BuildReply(code, c.PeerAddr, c.Matches))
	c.state = StateClose
}

func (s *Server) maybeEmitGrey(c *Connection) {
	if s.EmitGrey == nil || len(c.Matches) > 0 {
		return
	}
	if err := s.EmitGrey(c.DstAddr, c.PeerAddr, c.helo, c.mailFrom, c.rcptTo); err != nil {
		s.logf("tarpit: grey tuple emit failed, disabling greylisting: %v", err)
		s.EmitGrey = nil
		return
	}
	c.GreySignaled = true
}

func splitCmd(line string) (verb, arg string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
}

// extractAddr pulls the bracketed address out of a MAIL FROM:<addr>
// or RCPT TO:<addr> argument, tolerating its absence.
func extractAddr(arg string) string {
	i := strings.IndexByte(arg, '<')
	j := strings.IndexByte(arg, '>')
	if i >= 0 && j > i {
		return arg[i+1 : j]
	}
	return arg
}

func printableAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// peerAddrToUint32 reduces an IPv4 peer address to host-order uint32
// for blacklist matching; non-IPv4 peers (including IPv6, matched
// only by textual %A substitution elsewhere) match no ranges.
func peerAddrToUint32(addr net.Addr) uint32 {
	host := printableAddr(addr)
	ip := net.ParseIP(host)
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}
