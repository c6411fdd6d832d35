package tarpit

import (
	"net"
	"strings"
	"testing"
	"time"

	"tarpitd.org/tarpitd/blacklist"
)

type pipeConn struct {
	net.Conn
}

func newPipeConn() (net.Conn, net.Conn) {
	a, b := net.Pipe()
	return a, b
}

func TestBuildReplySingleBlacklist(t *testing.T) {
	matches := []blacklist.Match{
		{Name: "policy-block", Message: "Your address %A is blocked.\\nContact postmaster."},
	}
	out := BuildReply("550", "9.9.9.9", matches)
	got := string(out)
	want := "550-Your address 9.9.9.9 is blocked.\r\n550 Contact postmaster.\r\n"
	if got != want {
		t.Fatalf("BuildReply = %q, want %q", got, want)
	}
}

func TestBuildReplyMultipleBlacklistsOnlyLastLineGetsSpace(t *testing.T) {
	matches := []blacklist.Match{
		{Name: "a", Message: "first blacklist line one\\nfirst blacklist line two"},
		{Name: "b", Message: "second blacklist single line"},
	}
	out := BuildReply("554", "1.2.3.4", matches)
	lines := strings.Split(strings.TrimRight(string(out), "\r\n"), "\r\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), lines)
	}
	for i, l := range lines {
		if i < len(lines)-1 {
			if !strings.HasPrefix(l, "554-") {
				t.Errorf("line %d = %q, want dash continuation", i, l)
			}
		} else {
			if !strings.HasPrefix(l, "554 ") {
				t.Errorf("last line = %q, want space-terminated", l)
			}
		}
	}
}

func TestBuildReplyNoMatchesIsFixed451(t *testing.T) {
	out := BuildReply("450", "1.2.3.4", nil)
	if string(out) != "451 Temporary failure, please try again later.\r\n" {
		t.Fatalf("unexpected unmatched reply: %q", out)
	}
}

func TestExpandMessageEscapes(t *testing.T) {
	lines := expandMessage("peer=%A literal%%percent literal\\\\backslash", "7.7.7.7")
	if len(lines) != 1 {
		t.Fatalf("expected single line, got %v", lines)
	}
	want := "peer=7.7.7.7 literal%percent literal\\backslash"
	if lines[0] != want {
		t.Fatalf("got %q, want %q", lines[0], want)
	}
}

func TestInitWritesBannerAndSetsStutter(t *testing.T) {
	server, client := newPipeConn()
	defer server.Close()
	defer client.Close()

	cfg := Config{Hostname: "mail.example.com", Banner: "tarpitd", Stutter: 2 * time.Second}
	var c Connection
	now := time.Now()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	Init(&c, server, "10.0.0.5", nil, cfg, now, 0)
	if c.stutter != 2*time.Second {
		t.Fatalf("stutter = %v, want 2s", c.stutter)
	}
	if c.state != StateBannerSent {
		t.Fatalf("state = %v, want BANNER_SENT", c.state)
	}

	for c.outbuf.Len() > 0 {
		if _, err := c.FlushStep(time.Now(), 0, false); err != nil {
			t.Fatalf("FlushStep: %v", err)
		}
	}

	select {
	case banner := <-done:
		if !strings.Contains(string(banner), "mail.example.com") {
			t.Fatalf("banner missing hostname: %q", banner)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for banner")
	}
}

func TestInitialStutterDisabledUnderGreylistingWithNoMatch(t *testing.T) {
	cfg := Config{EnableGrey: true, GreyStutter: 0, Stutter: 5 * time.Second}
	got := initialStutter(cfg, nil, 0)
	if got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestInitialStutterAdmissionValveTrips(t *testing.T) {
	cfg := Config{Stutter: 3 * time.Second, MaxBlack: 10}
	got := initialStutter(cfg, nil, 11)
	if got != 0 {
		t.Fatalf("got %v, want 0 once black_clients > max_black", got)
	}
}

func TestResetClearsDialogueState(t *testing.T) {
	c := Connection{mailFrom: "a@b", rcptTo: "c@d", haveMail: true, haveRcpt: true, GreySignaled: true, state: StateDataIn}
	c.Reset()
	if c.mailFrom != "" || c.rcptTo != "" || c.haveMail || c.haveRcpt || c.GreySignaled {
		t.Fatalf("Reset left dialogue state: %+v", c)
	}
	if c.state != StateHeloOut {
		t.Fatalf("state after Reset = %v, want HELO_OUT", c.state)
	}
}
