package mcp

import "testing"

func TestNegotiateProtocolVersion(t *testing.T) {
	for _, v := range SupportedProtocolVersions() {
		got, ok := NegotiateProtocolVersion(v)
		if !ok || got != v {
			t.Fatalf("negotiate(%q) = %q, %v; want the requested version", v, got, ok)
		}
	}

	if _, ok := NegotiateProtocolVersion("1999-01-01"); ok {
		t.Fatal("unknown version must not negotiate")
	}
	if _, ok := NegotiateProtocolVersion(""); ok {
		t.Fatal("empty version must not negotiate")
	}
}

func TestSupportedVersionsCopy(t *testing.T) {
	a := SupportedProtocolVersions()
	a[0] = "mutated"
	if b := SupportedProtocolVersions(); b[0] != LatestProtocolVersion {
		t.Fatal("SupportedProtocolVersions must return a copy")
	}
}
