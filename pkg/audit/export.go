package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

const checkpointFile = ".export-checkpoint.json"

// RotatingLog is the part of Writer the exporter depends on
type RotatingLog interface {
	Rotate() error
	Dir() string
	BaseName() string
	Ext() string
}

// ExportConfig controls batching and upload
type ExportConfig struct {
	Prefix            string
	Compress          bool
	LockMode          string
	LockDays          int
	DeleteAfterExport bool
	Host              string
}

// ExportResult summarizes one export pass
type ExportResult struct {
	Files   int `json:"files"`
	Objects int `json:"objects"`
	Events  int `json:"events"`
	Skipped int `json:"skipped"`
}

// Exporter ships rotated audit files to object storage and optionally a SIEM
type Exporter struct {
	log    RotatingLog
	store  ObjectStore
	siem   Sink
	audit  Logger
	cfg    ExportConfig
	logger *logrus.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewExporter creates an exporter. store or siem may be nil, not both.
func NewExporter(log RotatingLog, store ObjectStore, siem Sink, auditLog Logger, cfg ExportConfig, logger *logrus.Logger) (*Exporter, error) {
	if store == nil && siem == nil {
		return nil, fmt.Errorf("export requires an object store or a SIEM sink")
	}
	if log.Dir() == "" {
		return nil, fmt.Errorf("export requires a file-backed audit log")
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &Exporter{
		log:    log,
		store:  store,
		siem:   siem,
		audit:  auditLog,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Export rotates the active file and ships every rotated file not yet exported
func (e *Exporter) Export(ctx context.Context) (*ExportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.log.Rotate(); err != nil {
		return nil, fmt.Errorf("failed to rotate audit log: %w", err)
	}

	done, err := e.loadCheckpoint()
	if err != nil {
		return nil, err
	}

	files, err := e.rotatedFiles()
	if err != nil {
		return nil, err
	}

	result := &ExportResult{}
	for _, name := range files {
		if done[name] {
			continue
		}

		objects, events, skipped, err := e.exportFile(ctx, name)
		if err != nil {
			metrics.RecordAuditExport("failed")
			e.audit.Log(ctx, "audit.export_failed", map[string]interface{}{
				"file":  name,
				"error": err.Error(),
			})
			return result, err
		}

		result.Files++
		result.Objects += objects
		result.Events += events
		result.Skipped += skipped
		done[name] = true

		if e.cfg.DeleteAfterExport {
			if err := os.Remove(filepath.Join(e.log.Dir(), name)); err != nil {
				e.logger.WithError(err).WithField("file", name).Warn("Failed to remove exported audit file")
			}
		}

		if err := e.saveCheckpoint(done); err != nil {
			return result, err
		}
	}

	if result.Files > 0 {
		e.audit.Log(ctx, "audit.export_completed", map[string]interface{}{
			"files":   result.Files,
			"objects": result.Objects,
			"events":  result.Events,
			"skipped": result.Skipped,
		})
	}
	return result, nil
}

// Run exports on a fixed interval until ctx is done
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Export(ctx); err != nil {
				e.logger.WithError(err).Error("Audit export failed")
			}
		}
	}
}

type partition struct {
	key    string
	lines  [][]byte
	events []Event
}

func (e *Exporter) exportFile(ctx context.Context, name string) (objects, events, skipped int, err error) {
	data, err := os.ReadFile(filepath.Join(e.log.Dir(), name))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read %s: %w", name, err)
	}

	partitions := make(map[string]*partition)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			skipped++
			continue
		}
		key := event.Timestamp.UTC().Format("2006/01/02/15")
		p, ok := partitions[key]
		if !ok {
			p = &partition{key: key}
			partitions[key] = p
		}
		p.lines = append(p.lines, append([]byte(nil), line...))
		p.events = append(p.events, event)
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to scan %s: %w", name, err)
	}

	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stem := strings.TrimSuffix(name, e.log.Ext())
	for _, k := range keys {
		p := partitions[k]

		if e.store != nil {
			if err := e.upload(ctx, stem, p); err != nil {
				return objects, events, skipped, err
			}
			objects++
		}
		if e.siem != nil {
			if err := e.siem.Send(ctx, p.events); err != nil {
				return objects, events, skipped, fmt.Errorf("failed to stream %s to %s: %w", name, e.siem.Name(), err)
			}
		}
		events += len(p.events)
	}
	return objects, events, skipped, nil
}

func (e *Exporter) upload(ctx context.Context, stem string, p *partition) error {
	body := bytes.Join(p.lines, []byte("\n"))
	body = append(body, '\n')
	sum := sha256.Sum256(body)

	key := path.Join(e.cfg.Prefix, p.key, fmt.Sprintf("%s-%s.jsonl", e.cfg.Host, stem))
	opts := PutOptions{
		ContentType: "application/x-ndjson",
		Metadata: map[string]string{
			"sha256": hex.EncodeToString(sum[:]),
			"events": fmt.Sprintf("%d", len(p.lines)),
		},
	}

	if e.cfg.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("failed to compress batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress batch: %w", err)
		}
		body = buf.Bytes()
		key += ".gz"
		opts.ContentEncoding = "gzip"
	}

	if e.cfg.LockMode != "" {
		opts.LockMode = e.cfg.LockMode
		opts.RetainUntil = e.now().UTC().AddDate(0, 0, e.cfg.LockDays)
	}

	if err := e.store.Put(ctx, key, body, opts); err != nil {
		return err
	}
	metrics.RecordAuditExport("uploaded")
	return nil
}

// rotatedFiles lists closed files in name order, which is rotation order
func (e *Exporter) rotatedFiles() ([]string, error) {
	entries, err := os.ReadDir(e.log.Dir())
	if err != nil {
		return nil, fmt.Errorf("failed to list audit directory: %w", err)
	}

	prefix := e.log.BaseName() + "-"
	ext := e.log.Ext()

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

type checkpoint struct {
	Exported []string `json:"exported"`
}

func (e *Exporter) loadCheckpoint() (map[string]bool, error) {
	done := make(map[string]bool)

	data, err := os.ReadFile(filepath.Join(e.log.Dir(), checkpointFile))
	if os.IsNotExist(err) {
		return done, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read export checkpoint: %w", err)
	}

	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse export checkpoint: %w", err)
	}
	for _, name := range cp.Exported {
		done[name] = true
	}
	return done, nil
}

// saveCheckpoint keeps only names whose files still exist
func (e *Exporter) saveCheckpoint(done map[string]bool) error {
	cp := checkpoint{}
	for name := range done {
		if _, err := os.Stat(filepath.Join(e.log.Dir(), name)); err == nil {
			cp.Exported = append(cp.Exported, name)
		}
	}
	sort.Strings(cp.Exported)

	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	target := filepath.Join(e.log.Dir(), checkpointFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write export checkpoint: %w", err)
	}
	return os.Rename(tmp, target)
}
