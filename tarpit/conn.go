// Package tarpit implements the SMTP tarpit front-end: the
// per-connection state machine, the output stutter scheduler, and
// connection-table admission control (spec.md §3, §4.2, §4.3, §4.6).
package tarpit

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"crawshaw.io/iox"

	"tarpitd.org/tarpitd/blacklist"
)

// State is one of the connection state machine's numbered states
// (spec.md §4.2). Numeric constants keep transition dispatch in one
// switch, the same way the C source's CON_STATE_* defines do.
type State int

const (
	StateBannerSent State = iota
	StateHeloIn
	StateHeloOut
	StateMailIn
	StateMailOut
	StateRcptIn
	StateRcptOut
	StateDataIn
	StateDataOut
	StateMessage
	StateReply
	StateClose
)

func (s State) String() string {
	switch s {
	case StateBannerSent:
		return "BANNER_SENT"
	case StateHeloIn:
		return "HELO_IN"
	case StateHeloOut:
		return "HELO_OUT"
	case StateMailIn:
		return "MAIL_IN"
	case StateMailOut:
		return "MAIL_OUT"
	case StateRcptIn:
		return "RCPT_IN"
	case StateRcptOut:
		return "RCPT_OUT"
	case StateDataIn:
		return "DATA_IN"
	case StateDataOut:
		return "DATA_OUT"
	case StateMessage:
		return "MESSAGE"
	case StateReply:
		return "REPLY"
	case StateClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	maxBadCmd      = 20
	maxMessageLines = 10
	outBufIncrement = 8 << 10 // 8 KiB
	inBufSize       = 8 << 10
)

// ErrTableFull is returned by ConnectionTable.Admit when no slot is
// free.
var ErrTableFull = errors.New("tarpit: connection table full")

// Config is the subset of spec.md §6 options the connection state
// machine and stutter scheduler need.
type Config struct {
	Hostname  string
	Banner    string
	ErrorCode string // default "450"

	Stutter     time.Duration
	GreyStutter time.Duration // how long after session start a greylisted, non-blacklisted connection is stuttered
	GreyWindow  time.Duration // not read by this package; EffectiveStutter takes the greylist window from GreyStutter

	MaxBlack int
	MaxCons  int

	EnableGrey bool
	Window     int // receive-window clamp during DATA, 0 = don't clamp
}

// Connection is one slot's worth of SMTP dialogue state (spec.md §3).
// Slots are reused: Close releases the output buffer and zeroes the
// mutable fields so the next Init starts clean, with no heap churn
// and no dangling pointer into the previous session.
type Connection struct {
	conn net.Conn

	PeerAddr string // printable peer address
	DstAddr  string // original destination, once LookupOrigDst resolves it

	state     State
	lastState State

	helo, mailFrom, rcptTo string
	haveMail, haveRcpt     bool

	Matches []blacklist.Match // blacklists matched at Init time

	stutter time.Duration
	rTime   time.Time
	wTime   time.Time
	sTime   time.Time

	outbuf    bytes.Buffer
	lastByte  byte
	terminal  string // input terminator set, default "\n"

	badCmdCount   int
	dataLineCount int
	inDataBody    bool

	// dataBody spools the DATA phase's message lines to a spillable
	// buffer (disk-backed past an in-memory threshold) rather than
	// growing an unbounded in-process byte slice per connection.
	dataBody *iox.BufferFile

	// GreySignaled is set once this connection has emitted its grey
	// tuple record, so a RSET/second RCPT does not emit it twice.
	GreySignaled bool
}

// StartDataBody allocates the message-body scratch file for the DATA
// phase from filer, closing any previous one first.
func (c *Connection) StartDataBody(filer *iox.Filer) {
	if c.dataBody != nil {
		c.dataBody.Close()
	}
	if filer != nil {
		c.dataBody = filer.BufferFile(0)
	}
}

// WriteDataLine appends one line of message body to the DATA-phase
// scratch file, if one is open.
func (c *Connection) WriteDataLine(line []byte) error {
	if c.dataBody == nil {
		return nil
	}
	_, err := c.dataBody.Write(line)
	return err
}

// CloseDataBody closes and discards the DATA-phase scratch file. The
// tarpit never inspects a message's content, only its envelope, so
// nothing downstream reads it back.
func (c *Connection) CloseDataBody() {
	if c.dataBody != nil {
		c.dataBody.Close()
		c.dataBody = nil
	}
}

// Init resets slot (assumed already zeroed by the table on release)
// and starts a session: it writes the banner, classifies the peer
// against blacklists, and derives the initial stutter value
// (spec.md §4.2 Con_init steps a-f).
func Init(c *Connection, conn net.Conn, peerAddr string, matches []blacklist.Match, cfg Config, now time.Time, blackClients int) {
	c.conn = conn
	c.PeerAddr = peerAddr
	c.Matches = matches
	c.state = StateBannerSent
	c.lastState = StateBannerSent
	c.terminal = "\n"
	c.sTime = now

	c.stutter = initialStutter(cfg, matches, blackClients)

	c.rTime = now.Add(c.stutter)
	c.wTime = time.Time{}

	banner := fmt.Sprintf("220 %s ESMTP %s; %s\r\n", cfg.Hostname, cfg.Banner, now.Format(time.ANSIC))
	c.outbuf.WriteString(banner)
	c.wTime = now
}

// initialStutter implements spec.md §4.2 (d)-(e): stutter is 0 when
// greylisting is on, grey-stutter is 0, and nothing matched; otherwise
// the configured stutter, unless the admission-control valve trips.
func initialStutter(cfg Config, matches []blacklist.Match, blackClients int) time.Duration {
	stutter := cfg.Stutter
	if cfg.EnableGrey && cfg.GreyStutter == 0 && len(matches) == 0 {
		stutter = 0
	}
	if cfg.MaxBlack > 0 && blackClients > cfg.MaxBlack {
		stutter = 0
	}
	return stutter
}

// Close releases the slot's transient storage (the output buffer) and
// zeroes every mutable field so the slot can be handed to Init again
// with no residue of the previous session.
func (c *Connection) Close() {
	c.CloseDataBody()
	if c.conn != nil {
		c.conn.Close()
	}
	*c = Connection{}
}

// Reset reverts the dialogue to HELO_OUT, as RSET does (spec.md §4.2).
func (c *Connection) Reset() {
	c.mailFrom = ""
	c.rcptTo = ""
	c.haveMail = false
	c.haveRcpt = false
	c.GreySignaled = false
	c.state = StateHeloOut
}

// buildReply assembles the SMTP multi-line reply for a connection
// that matched N blacklists (spec.md §4.2 "Reply construction").
//
// Each matched blacklist contributes one paragraph of lines prefixed
// by code; every line uses "<code>-" except the last line of the whole
// reply, which uses "<code> ". %A and \n are escape tokens in the stored message,
// literal % and \ are produced by doubling either character. If no
// blacklist matched, the fixed 451 message is returned instead.
func BuildReply(code string, peerAddr string, matches []blacklist.Match) []byte {
	if len(matches) == 0 {
		return []byte("451 Temporary failure, please try again later.\r\n")
	}

	var lines []string
	for _, m := range matches {
		lines = append(lines, expandMessage(m.Message, peerAddr)...)
	}

	var buf bytes.Buffer
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(&buf, "%s%c%s\r\n", code, sep, line)
	}
	return buf.Bytes()
}

// expandMessage splits msg on its escape tokens into the lines of one
// blacklist's paragraph: %A becomes peerAddr, \n starts a new
// continuation line, and doubled %% / \\ produce a literal % or \.
func expandMessage(msg, peerAddr string) []string {
	var lines []string
	var cur strings.Builder
	for i := 0; i < len(msg); i++ {
		switch msg[i] {
		case '%':
			if i+1 < len(msg) && msg[i+1] == 'A' {
				cur.WriteString(peerAddr)
				i++
			} else if i+1 < len(msg) && msg[i+1] == '%' {
				cur.WriteByte('%')
				i++
			} else {
				cur.WriteByte('%')
			}
		case '\\':
			if i+1 < len(msg) && msg[i+1] == 'n' {
				lines = append(lines, cur.String())
				cur.Reset()
				i++
			} else if i+1 < len(msg) && msg[i+1] == '\\' {
				cur.WriteByte('\\')
				i++
			} else {
				cur.WriteByte('\\')
			}
		default:
			cur.WriteByte(msg[i])
		}
	}
	lines = append(lines, cur.String())
	return lines
}
