// Package spool is the on-disk durability buffer between edge and worker:
// append-only JSONL files, one TrackingRecord per line. The writer side
// lives in the edge process; the scanner side lives in the worker.
package spool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

// ClosedSuffix marks files the writer has rotated out and no longer holds
// open; only these are eligible for replay while the edge is running.
const ClosedSuffix = ".closed"

// DoneSuffix marks files fully replayed by the worker. Spool content is
// never discarded before replay; compaction replaces a replayed file with
// its zstd copy.
const DoneSuffix = ".done"

const fileTimeFormat = "20060102T150405Z"

// Writer appends records to the active spool file, rotating on process
// start, hour boundary, or the byte cap. Every append flushes to the OS so a
// crashed edge loses at most the line being written.
type Writer struct {
	dir         string
	rotateBytes int64
	logger      *zap.Logger

	mu         sync.Mutex
	f          *os.File
	buf        *bufio.Writer
	path       string
	size       int64
	openedHour time.Time
}

func NewWriter(dir string, rotateBytes int64, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	// Active files left by a previous run have no writer holding them
	// open anymore; hand them to the scanner.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		orphan := filepath.Join(dir, name)
		if err := os.Rename(orphan, orphan+ClosedSuffix); err != nil {
			return nil, fmt.Errorf("adopting orphaned spool file %s: %w", name, err)
		}
		logger.Info("orphaned spool file handed to scanner", zap.String("file", name))
	}

	w := &Writer{dir: dir, rotateBytes: rotateBytes, logger: logger}
	if err := w.rotateLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Append writes one record line and flushes. Durability contract: when
// Append returns nil the record has reached the kernel.
func (w *Writer) Append(rec model.TrackingRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	if w.size >= w.rotateBytes || now.Truncate(time.Hour).After(w.openedHour) {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.buf.Write(payload)
	if err != nil {
		return fmt.Errorf("spool write: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("spool write: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("spool flush: %w", err)
	}
	w.size += int64(n) + 1
	metrics.SpoolLinesTotal.WithLabelValues("written").Inc()
	return nil
}

func (w *Writer) rotateLocked() error {
	if w.f != nil {
		w.buf.Flush()
		w.f.Sync()
		w.f.Close()
		w.markClosedLocked()
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("spool_%s.jsonl", now.Format(fileTimeFormat))
	path := filepath.Join(w.dir, name)
	// Same-second restart: open in append mode rather than truncating.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening spool file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat spool file: %w", err)
	}

	w.f = f
	w.buf = bufio.NewWriter(f)
	w.path = path
	w.size = st.Size()
	w.openedHour = now.Truncate(time.Hour)
	metrics.SpoolFilesTotal.WithLabelValues("created").Inc()
	w.logger.Info("spool file opened", zap.String("file", name))
	return nil
}

// markClosedLocked renames the finished file so the scanner knows no
// writer holds it open. A missing file means the scanner's crash backstop
// already claimed it.
func (w *Writer) markClosedLocked() {
	if err := os.Rename(w.path, w.path+ClosedSuffix); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("marking spool file closed failed",
			zap.String("file", filepath.Base(w.path)),
			zap.Error(err),
		)
	}
}

// Close flushes and syncs the active file, then releases it to the
// scanner.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	w.buf.Flush()
	w.f.Sync()
	err := w.f.Close()
	w.f = nil
	w.markClosedLocked()
	return err
}
