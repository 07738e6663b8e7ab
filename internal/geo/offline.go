// Package geo provides the offline IP geolocation lookup. The database file
// is an opaque collaborator: a CSV of IP ranges with location and ASN
// columns, loaded into a sorted slice searched by binary search. Reloads
// build a fresh slice and publish it atomically.
package geo

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Location is the result of an offline lookup.
type Location struct {
	CountryCode string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
	ASN         int64
	ASNOrg      string
}

type rangeEntry struct {
	start [16]byte
	end   [16]byte
	loc   Location
}

type database struct {
	ranges []rangeEntry
}

// DB is the atomically swappable offline database.
type DB struct {
	active atomic.Pointer[database]
	path   string
	logger *zap.Logger
}

// Open loads the database file. A missing path yields an empty database;
// every lookup then reports not-found, and the WHOIS fallback step covers
// the ASN gap.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db := &DB{path: path, logger: logger}
	db.active.Store(&database{})
	if path == "" {
		logger.Warn("no offline geo database configured")
		return db, nil
	}
	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload re-reads the file and swaps the new dataset in.
func (db *DB) Reload() error {
	f, err := os.Open(db.path)
	if err != nil {
		return fmt.Errorf("opening geo database: %w", err)
	}
	defer f.Close()

	loaded, err := load(f)
	if err != nil {
		return fmt.Errorf("loading geo database %s: %w", db.path, err)
	}
	db.active.Store(loaded)
	db.logger.Info("offline geo database loaded",
		zap.String("path", db.path),
		zap.Int("ranges", len(loaded.ranges)),
	)
	return nil
}

// RunReloader reloads the file on the given interval. A failed reload keeps
// the previous dataset.
func (db *DB) RunReloader(ctx context.Context, interval time.Duration) {
	if db.path == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Reload(); err != nil {
				db.logger.Warn("geo database reload failed, keeping previous", zap.Error(err))
			}
		}
	}
}

// Lookup binary-searches the active dataset.
func (db *DB) Lookup(ip string) (Location, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, false
	}
	key := addrKey(addr)

	d := db.active.Load()
	i := sort.Search(len(d.ranges), func(i int) bool {
		return compare(d.ranges[i].end, key) >= 0
	})
	if i < len(d.ranges) && compare(d.ranges[i].start, key) <= 0 {
		return d.ranges[i].loc, true
	}
	return Location{}, false
}

// Len reports the number of loaded ranges.
func (db *DB) Len() int {
	return len(db.active.Load().ranges)
}

// load parses CSV rows: start_ip,end_ip,country,region,city,lat,lon,asn,asn_org
func load(r io.Reader) (*database, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var ranges []rangeEntry
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) < 7 {
			continue
		}
		start, err1 := netip.ParseAddr(row[0])
		end, err2 := netip.ParseAddr(row[1])
		if err1 != nil || err2 != nil {
			continue
		}
		lat, _ := strconv.ParseFloat(row[5], 64)
		lon, _ := strconv.ParseFloat(row[6], 64)
		var asn int64
		var asnOrg string
		if len(row) > 7 {
			asn, _ = strconv.ParseInt(row[7], 10, 64)
		}
		if len(row) > 8 {
			asnOrg = row[8]
		}
		ranges = append(ranges, rangeEntry{
			start: addrKey(start),
			end:   addrKey(end),
			loc: Location{
				CountryCode: row[2],
				Region:      row[3],
				City:        row[4],
				Latitude:    lat,
				Longitude:   lon,
				ASN:         asn,
				ASNOrg:      asnOrg,
			},
		})
	}

	sort.Slice(ranges, func(i, j int) bool {
		return compare(ranges[i].start, ranges[j].start) < 0
	})
	return &database{ranges: ranges}, nil
}

// addrKey maps v4 and v6 addresses into one comparable 16-byte space.
func addrKey(addr netip.Addr) [16]byte {
	return addr.Unmap().As16()
}

func compare(a, b [16]byte) int {
	for i := 0; i < 16; i += 8 {
		x := binary.BigEndian.Uint64(a[i : i+8])
		y := binary.BigEndian.Uint64(b[i : i+8])
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}
