package ipclass

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		ip   string
		want Type
	}{
		{"8.8.8.8", TypePublic},
		{"93.184.216.34", TypePublic},
		{"10.1.2.3", TypePrivate},
		{"172.16.0.1", TypePrivate},
		{"172.32.0.1", TypePublic}, // just past the /12
		{"192.168.1.1", TypePrivate},
		{"127.0.0.1", TypeLoopback},
		{"::1", TypeLoopback},
		{"169.254.10.10", TypeLinkLocal},
		{"fe80::1", TypeLinkLocal},
		{"100.64.0.1", TypeCGNAT},
		{"100.128.0.1", TypePublic}, // just past the /10
		{"192.0.2.55", TypeDocumentation},
		{"198.51.100.1", TypeDocumentation},
		{"203.0.113.200", TypeDocumentation},
		{"2001:db8::1", TypeDocumentation},
		{"198.18.0.1", TypeBenchmark},
		{"224.0.0.5", TypeMulticast},
		{"240.1.1.1", TypeReserved},
		{"0.0.0.0", TypeReserved},
		{"fd00::1", TypePrivate},
		{"2606:4700::1111", TypePublic},
		{"not-an-ip", TypeInvalid},
		{"", TypeInvalid},
	}
	for _, tt := range tests {
		if got := Classify(tt.ip); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.ip, got, tt.want)
		}
	}
}

func TestClassifyMappedV4(t *testing.T) {
	if got := Classify("::ffff:192.168.0.1"); got != TypePrivate {
		t.Errorf("mapped v4 private = %s, want %s", got, TypePrivate)
	}
}

func TestSkipGeo(t *testing.T) {
	if SkipGeo(TypePublic) {
		t.Error("public addresses must not skip geo")
	}
	for _, typ := range []Type{TypePrivate, TypeLoopback, TypeCGNAT, TypeInvalid} {
		if !SkipGeo(typ) {
			t.Errorf("%s should skip geo", typ)
		}
	}
}
