package node

import "testing"

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:4002":      "10.0.0.1:4002",
		"10.0.0.1":           "10.0.0.1:4001",
		"tcp://peer.lan":     "peer.lan:4001",
		"tcp://peer.lan:900": "peer.lan:900",
		"[::1]":              "[::1]:4001",
	}
	for in, want := range cases {
		if got := NormalizeHostPort(in, DefaultGossipPort); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseDialAddr(t *testing.T) {
	good := map[string]string{
		"127.0.0.1:4001":  "127.0.0.1:4001",
		" peer.lan ":      "peer.lan:4001",
		"tcp://[::1]:999": "[::1]:999",
	}
	for in, want := range good {
		got, err := ParseDialAddr(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialAddr(%q) = (%q,%v), want (%q,nil)", in, got, err, want)
		}
	}

	for _, in := range []string{"", "http://peer:80", "peer:notaport", "peer:70000", ":4001", "a b:1", "1.2.3.4:5:6"} {
		if got, err := ParseDialAddr(in); err == nil {
			t.Fatalf("ParseDialAddr(%q) = %q, want error", in, got)
		}
	}
}
