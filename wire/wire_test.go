package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	order := []string{"dst_ip", "ip", "helo", "from", "to"}
	rec := Record{
		"dst_ip": "10.0.0.1",
		"ip":     "1.2.3.4",
		"helo":   `hello "world"`,
		"from":   `a\b@example.com`,
		"to":     "rcpt@example.com",
	}
	if err := w.Write(rec, order); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range rec {
		if got[k] != v {
			t.Errorf("field %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	input := "ip=\"1.2.3.4\"\nnotkeyvalue\n%\nip=\"5.6.7.8\"\n%\n"
	r := NewReader(bytes.NewBufferString(input))

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected malformed record to be discarded, got %v", rec)
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if rec["ip"] != "5.6.7.8" {
		t.Fatalf("second record = %v", rec)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestUnknownKeysPreserved(t *testing.T) {
	input := "ip=\"1.2.3.4\"\nmystery=\"ignored by caller\"\n%\n"
	r := NewReader(bytes.NewBufferString(input))
	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec["mystery"] != "ignored by caller" {
		t.Fatalf("unknown key not preserved: %v", rec)
	}
}
