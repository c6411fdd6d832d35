package firewall

import "testing"

func TestDummyReplaceRecordsLastCall(t *testing.T) {
	var d Dummy
	if err := d.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Replace("traps", []string{"10.0.0.0/24", "192.168.1.1/32"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if d.LastSet != "traps" {
		t.Fatalf("LastSet = %q, want %q", d.LastSet, "traps")
	}
	if len(d.LastCIDRs) != 2 {
		t.Fatalf("LastCIDRs = %v, want 2 entries", d.LastCIDRs)
	}
}

func TestDummyLookupOrigDstPassesThroughProxy(t *testing.T) {
	var d Dummy
	peer := &mockAddr{"1.2.3.4:5000"}
	proxy := &mockAddr{"5.6.7.8:25"}
	got, err := d.LookupOrigDst(peer, proxy)
	if err != nil {
		t.Fatalf("LookupOrigDst: %v", err)
	}
	if got != proxy {
		t.Fatalf("got %v, want proxy unchanged", got)
	}
}

type mockAddr struct{ s string }

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return m.s }
