package enrich

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

// cloudHostPatterns identify hosting and cloud reverse names. Residential
// ISP reverse names rarely carry these tokens.
var cloudHostPatterns = []string{
	"amazonaws.com",
	"googleusercontent.com",
	"cloudapp.azure.com",
	"azure.com",
	"linode.com",
	"linodeusercontent.com",
	"digitalocean.com",
	"vultr.com",
	"ovh.net",
	"ovh.ca",
	"hetzner.com",
	"your-server.de",
	"contabo",
	"scaleway.com",
	"hosting",
	"colocrossing",
	"serverion",
	"datacenter",
	"dedicated",
	"vps",
}

// ReverseDNS resolves the PTR record for the client IP. One question, one
// server, hard deadline; a miss or timeout is not an error worth surfacing.
type ReverseDNS struct {
	client *dns.Client
	server string
}

// NewReverseDNS reads the system resolver configuration; server falls back
// to the public Cloudflare resolver when none is configured.
func NewReverseDNS(server string) *ReverseDNS {
	if server == "" {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
			server = conf.Servers[0] + ":" + conf.Port
		} else {
			server = "1.1.1.1:53"
		}
	}
	return &ReverseDNS{
		client: &dns.Client{Timeout: 2 * time.Second},
		server: server,
	}
}

func (s *ReverseDNS) Name() string { return "reverse_dns" }

func (s *ReverseDNS) Apply(ctx context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	if srv(rec, "skipGeo") == "1" {
		return rec, nil
	}
	arpa, err := dns.ReverseAddr(rec.IPAddress)
	if err != nil {
		return rec, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	resp, _, err := s.client.ExchangeContext(ctx, msg, s.server)
	if err != nil {
		return rec, err
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			host := strings.TrimSuffix(ptr.Ptr, ".")
			return rec.WithServerParams(
				"rdns", host,
				"rdnsCloud", boolParam(isCloudHost(host)),
			), nil
		}
	}
	return rec, nil
}

func isCloudHost(host string) bool {
	h := strings.ToLower(host)
	for _, p := range cloudHostPatterns {
		if strings.Contains(h, p) {
			return true
		}
	}
	return false
}
