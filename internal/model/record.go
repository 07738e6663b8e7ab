package model

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxHeaderValueLen caps UserAgent and Referer as captured at the edge.
const MaxHeaderValueLen = 2000

// ServerParamPrefix is the namespace reserved for server-side enrichments.
// Browser-reported carrier parameters are never mutated; enrichment only
// appends parameters under this prefix.
const ServerParamPrefix = "_srv_"

// CustomParamPrefix marks tenant-defined parameters that the ETL aggregates
// into a JSON column rather than typed columns.
const CustomParamPrefix = "_cp_"

// TrackingRecord is the unit that flows edge -> worker -> raw store.
// It is value-typed and immutable apart from the carrier string: enrichment
// returns a new record whose QueryString has `_srv_*` pairs appended.
type TrackingRecord struct {
	ReceivedAt  time.Time `json:"received_at"`
	CompanyID   string    `json:"company_id"`
	PixelID     string    `json:"pixel_id"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	Referer     string    `json:"referer"`
	RequestPath string    `json:"request_path"`
	HeadersJSON string    `json:"headers_json"`
	QueryString string    `json:"query_string"`
}

// LookupParam extracts a single parameter from a raw URL-encoded carrier
// string without materializing the full parameter map. Returns the decoded
// value and whether the parameter was present. The first occurrence wins.
func LookupParam(qs, name string) (string, bool) {
	for len(qs) > 0 {
		var pair string
		if i := strings.IndexByte(qs, '&'); i >= 0 {
			pair, qs = qs[:i], qs[i+1:]
		} else {
			pair, qs = qs, ""
		}
		if pair == "" {
			continue
		}
		key := pair
		value := ""
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		}
		if key != name {
			// Keys are almost always plain identifiers; only fall back to
			// decoding when the raw key could encode the target.
			if !strings.ContainsAny(key, "%+") {
				continue
			}
			dk, err := url.QueryUnescape(key)
			if err != nil || dk != name {
				continue
			}
		}
		dv, err := url.QueryUnescape(value)
		if err != nil {
			return "", false
		}
		return dv, true
	}
	return "", false
}

// ParamInt returns the parameter as int64, or (0, false) when absent or
// not castable. Mirrors the safe typed-cast used by the ETL: bad input is
// indistinguishable from absence.
func ParamInt(qs, name string) (int64, bool) {
	s, ok := LookupParam(qs, name)
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParamFloat returns the parameter as float64, or (0, false) when absent or
// not castable.
func ParamFloat(qs, name string) (float64, bool) {
	s, ok := LookupParam(qs, name)
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParamBool interprets "1"/"true" as true, "0"/"false" as false.
func ParamBool(qs, name string) (bool, bool) {
	s, ok := LookupParam(qs, name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	}
	return false, false
}

// CustomParams collects all `_cp_*` parameters from the carrier, keyed by
// the name with the prefix stripped.
func CustomParams(qs string) map[string]string {
	var out map[string]string
	for len(qs) > 0 {
		var pair string
		if i := strings.IndexByte(qs, '&'); i >= 0 {
			pair, qs = qs[:i], qs[i+1:]
		} else {
			pair, qs = qs, ""
		}
		key := pair
		value := ""
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		}
		if !strings.HasPrefix(key, CustomParamPrefix) {
			continue
		}
		dk, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		dv, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.TrimPrefix(dk, CustomParamPrefix)] = dv
	}
	return out
}

// WithServerParams returns a copy of the record with the given key/value
// pairs appended to the carrier under the `_srv_` namespace. Keys are passed
// without the prefix. Pairs are appended in the order given; values are
// URL-escaped. The original record is not modified.
func (r TrackingRecord) WithServerParams(pairs ...string) TrackingRecord {
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return r
	}
	var b strings.Builder
	b.Grow(len(r.QueryString) + len(pairs)*16)
	b.WriteString(r.QueryString)
	for i := 0; i < len(pairs); i += 2 {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(ServerParamPrefix)
		b.WriteString(pairs[i])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pairs[i+1]))
	}
	r.QueryString = b.String()
	return r
}

// ServerParam reads an enrichment value previously appended with
// WithServerParams. The name is given without the `_srv_` prefix.
func (r TrackingRecord) ServerParam(name string) (string, bool) {
	return LookupParam(r.QueryString, ServerParamPrefix+name)
}

// Truncate clamps a header value to MaxHeaderValueLen.
func Truncate(s string) string {
	if len(s) > MaxHeaderValueLen {
		return s[:MaxHeaderValueLen]
	}
	return s
}
