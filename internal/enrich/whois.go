package enrich

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// WhoisASN fills the ASN gap when the offline database had no ASN for the
// IP. Uses the Team Cymru bulk whois service, which answers a single-line
// query with "ASN | IP | BGP Prefix | CC | Registry | Allocated | AS Name".
type WhoisASN struct {
	server  string
	timeout time.Duration
}

func NewWhoisASN(server string) *WhoisASN {
	if server == "" {
		server = "whois.cymru.com:43"
	}
	return &WhoisASN{server: server, timeout: 3 * time.Second}
}

func (s *WhoisASN) Name() string { return "whois_asn" }

func (s *WhoisASN) Apply(ctx context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	if srv(rec, "skipGeo") == "1" || srv(rec, "mmASN") != "" {
		return rec, nil
	}

	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return rec, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.timeout))

	if _, err := fmt.Fprintf(conn, " -f %s\r\n", rec.IPAddress); err != nil {
		return rec, err
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		asn, org, ok := parseCymruLine(scanner.Text())
		if ok {
			return rec.WithServerParams("whoisASN", asn, "whoisOrg", org), nil
		}
	}
	return rec, scanner.Err()
}

func parseCymruLine(line string) (asn, org string, ok bool) {
	fields := strings.Split(line, "|")
	if len(fields) < 3 {
		return "", "", false
	}
	asn = strings.TrimSpace(fields[0])
	if asn == "" || asn == "NA" || strings.HasPrefix(asn, "AS Number") {
		return "", "", false
	}
	org = strings.TrimSpace(fields[len(fields)-1])
	return asn, org, true
}
