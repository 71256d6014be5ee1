package rpcaddress

import "testing"

func TestParseDefaultPort(t *testing.T) {
	a, err := Parse("host1,host2", 5254)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(a.hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(a.hosts))
	}
	for _, h := range a.hosts {
		if h.Port != "5254" {
			t.Fatalf("expected default port 5254, got %q", h.Port)
		}
	}
}

func TestParseExplicitPort(t *testing.T) {
	a, err := Parse("host1:1234", 5254)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.hosts[0].Host != "host1" || a.hosts[0].Port != "1234" {
		t.Fatalf("got %+v", a.hosts[0])
	}
}

func TestParseIPv6Brackets(t *testing.T) {
	a, err := Parse("[::1]:1234", 5254)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.hosts[0].Host != "::1" || a.hosts[0].Port != "1234" {
		t.Fatalf("got %+v", a.hosts[0])
	}
}

func TestParseIPv6NoPortUsesDefault(t *testing.T) {
	a, err := Parse("[::1]", 5254)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.hosts[0].Host != "::1" || a.hosts[0].Port != "5254" {
		t.Fatalf("got %+v", a.hosts[0])
	}
}

func TestParseSkipsEmptyEntries(t *testing.T) {
	a, err := Parse("host1,,host2,", 5254)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(a.hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(a.hosts))
	}
}

func TestParseEmptyStringFails(t *testing.T) {
	if _, err := Parse("", 5254); err == nil {
		t.Fatalf("expected error for empty host list")
	}
}

func TestStringBeforeResolve(t *testing.T) {
	a, err := Parse("host1", 5254)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.String() != "host1" {
		t.Fatalf("got %q", a.String())
	}
	if a.IsValid() {
		t.Fatalf("expected IsValid() false before Refresh")
	}
}
