package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/zstd"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

// Scanner replays spool files into the enrichment channel. The edge writer
// renames every file it has finished with to the .closed suffix, so those
// are always safe to consume. A bare .jsonl is the writer's active file and
// is left alone until the hour that opened it has passed: the writer rotates
// on the next append after an hour boundary, so a stale bare file can only
// mean the edge crashed or is down. Replayed files are renamed with the
// .done suffix and optionally zstd-compressed; a filesystem watch plus a
// periodic poll (notifications can be dropped under heavy I/O) pick up new
// .closed files.
type Scanner struct {
	dir          string
	pollInterval time.Duration
	compactDone  bool
	logger       *zap.Logger

	// settleDelay covers renames still in flight on the watch path; a
	// file is eligible once its mtime is this old.
	settleDelay time.Duration
}

func NewScanner(dir string, pollInterval time.Duration, compactDone bool, logger *zap.Logger) *Scanner {
	return &Scanner{
		dir:          dir,
		pollInterval: pollInterval,
		compactDone:  compactDone,
		logger:       logger,
		settleDelay:  2 * time.Second,
	}
}

// ReplayAll consumes every eligible spool file once, oldest first. Called at
// startup before the IPC server begins accepting, and again on each watch or
// poll trigger.
func (s *Scanner) ReplayAll(ctx context.Context, out chan<- model.TrackingRecord) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading spool directory: %w", err)
	}

	now := time.Now().UTC()
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(name, ClosedSuffix):
			if time.Since(info.ModTime()) < s.settleDelay {
				continue
			}
		case strings.HasSuffix(name, ".jsonl"):
			// The writer's active file. It stops receiving writes once
			// the wall clock leaves the hour that opened it (the next
			// append rotates first), so a bare file from a past hour
			// belongs to a dead edge.
			if !info.ModTime().UTC().Truncate(time.Hour).Before(now.Truncate(time.Hour)) {
				continue
			}
		default:
			continue
		}
		files = append(files, name)
	}
	// Timestamped names sort chronologically.
	sort.Strings(files)

	for _, name := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.replayFile(ctx, filepath.Join(s.dir, name), out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) replayFile(ctx context.Context, path string, out chan<- model.TrackingRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening spool file: %w", err)
	}

	var replayed, malformed int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.TrackingRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			metrics.SpoolLinesTotal.WithLabelValues("malformed").Inc()
			s.logger.Warn("spool: skipping malformed line",
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
			continue
		}
		select {
		case out <- rec:
			replayed++
			metrics.SpoolLinesTotal.WithLabelValues("replayed").Inc()
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		}
	}
	scanErr := sc.Err()
	f.Close()
	if scanErr != nil {
		return fmt.Errorf("scanning spool file %s: %w", path, scanErr)
	}

	donePath := strings.TrimSuffix(path, ClosedSuffix) + DoneSuffix
	if err := os.Rename(path, donePath); err != nil {
		return fmt.Errorf("marking spool file done: %w", err)
	}
	metrics.SpoolFilesTotal.WithLabelValues("done").Inc()
	s.logger.Info("spool file replayed",
		zap.String("file", filepath.Base(path)),
		zap.Int("records", replayed),
		zap.Int("malformed", malformed),
	)

	if s.compactDone {
		if err := compactFile(donePath); err != nil {
			s.logger.Warn("spool compaction failed", zap.String("file", donePath), zap.Error(err))
		} else {
			metrics.SpoolFilesTotal.WithLabelValues("compacted").Inc()
		}
	}
	return nil
}

// Run watches the directory until the context ends. Each fsnotify create or
// rename event and each poll tick triggers a full eligible-file sweep;
// replay is idempotent at the store level so overlap with IPC delivery is
// harmless.
func (s *Scanner) Run(ctx context.Context, out chan<- model.TrackingRecord) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching spool directory: %w", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Debounce: coalesce event bursts into one sweep.
	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ClosedSuffix) {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(s.settleDelay + time.Second)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		case <-debounce.C:
			pending = false
			if err := s.ReplayAll(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.Error("spool sweep failed", zap.Error(err))
			}
		case <-ticker.C:
			if err := s.ReplayAll(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.Error("spool poll sweep failed", zap.Error(err))
			}
		}
	}
}

// compactFile replaces a .done file with a .done.zst copy.
func compactFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	outPath := path + ".zst"
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := enc.ReadFrom(in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return err
	}
	return os.Remove(path)
}
