package tarpit

import (
	"net"
	"testing"
	"time"

	"tarpitd.org/tarpitd/blacklist"
)

func TestEffectiveStutterBlacklistedKeepsInitialStutter(t *testing.T) {
	c := &Connection{Matches: []blacklist.Match{{Name: "x"}}, stutter: 4 * time.Second}
	cfg := Config{EnableGrey: true, GreyStutter: 10 * time.Second}
	got := EffectiveStutter(c, cfg, time.Now())
	if got != 4*time.Second {
		t.Fatalf("got %v, want 4s", got)
	}
}

func TestEffectiveStutterGreylistedExpiresAfterWindow(t *testing.T) {
	start := time.Now()
	c := &Connection{sTime: start, stutter: time.Second}
	cfg := Config{EnableGrey: true, GreyStutter: 2 * time.Second}

	if got := EffectiveStutter(c, cfg, start.Add(time.Second)); got != time.Second {
		t.Fatalf("within window: got %v, want 1s", got)
	}
	if got := EffectiveStutter(c, cfg, start.Add(3*time.Second)); got != 0 {
		t.Fatalf("past window: got %v, want 0", got)
	}
}

func TestFlushStepStutteringWritesOneByteAndInsertsCR(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{conn: server}
	c.outbuf.WriteString("a\nb")

	readByte := func() byte {
		buf := make([]byte, 1)
		client.Read(buf)
		return buf[0]
	}

	go func() {}()

	results := make(chan byte, 8)
	go func() {
		for i := 0; i < 4; i++ {
			results <- readByte()
		}
	}()

	now := time.Now()
	for i := 0; i < 4 && c.outbuf.Len() > 0; i++ {
		if _, err := c.FlushStep(now, time.Millisecond, false); err != nil {
			t.Fatalf("FlushStep: %v", err)
		}
	}

	got := []byte{<-results, <-results, <-results, <-results}
	want := []byte{'a', '\r', '\n', 'b'}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %q, want %q (full: %q)", i, got[i], want[i], got)
		}
	}
}

func TestFlushStepFullFlushWhenNotStuttering(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{conn: server}
	c.outbuf.WriteString("hello")

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	drained, err := c.FlushStep(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("FlushStep: %v", err)
	}
	if !drained {
		t.Fatal("expected full flush to drain in one step")
	}
	if got := <-done; string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestFlushStepTableNearCapacitySuppressesStutter(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{conn: server}
	c.outbuf.WriteString("xyz")

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	drained, err := c.FlushStep(time.Now(), time.Second, true)
	if err != nil {
		t.Fatalf("FlushStep: %v", err)
	}
	if !drained {
		t.Fatal("expected near-capacity flush to drain fully despite configured stutter")
	}
	if got := <-done; string(got) != "xyz" {
		t.Fatalf("got %q, want %q", got, "xyz")
	}
}
