// Package export appends payment-eligibility records to per-batch JSONL files.
//
// Layout:
//
//	{Dir}/batch_{batchName}_{batchId}.payment.jsonl
//
// Every call writes exactly one newline-terminated JSON object with a single
// write on an O_APPEND descriptor, so concurrent exporters to the same batch
// file interleave whole lines. Files are never rewritten or truncated.
//
// Export never returns an error. A failed append is logged and reported to the
// Observer; the participant's session carries on.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/cohort/internal/model"
)

// Config holds configuration for the payment sink.
type Config struct {
	Dir  string // Directory for payment files. Required.
	Sync bool   // fsync after every append.
}

// Observer is told about every export outcome.
type Observer interface {
	Exported(ctx context.Context, rec model.PaymentRecord, path string)
	ExportFailed(ctx context.Context, participantID, path string, err error)
}

// Sink writes payment records.
type Sink struct {
	dir      string
	sync     bool
	observer Observer
	logger   *slog.Logger
}

// NewSink creates a Sink, creating Dir if needed and checking it is writable.
// observer may be nil.
func NewSink(logger *slog.Logger, cfg Config, observer Observer) (*Sink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("export: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("export: create directory: %w", err)
	}

	marker := filepath.Join(cfg.Dir, ".export_writable")
	f, err := os.Create(marker) //nolint:gosec // path is constructed from validated config
	if err != nil {
		return nil, fmt.Errorf("export: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(marker)

	if observer == nil {
		observer = nopObserver{}
	}
	return &Sink{
		dir:      cfg.Dir,
		sync:     cfg.Sync,
		observer: observer,
		logger:   logger,
	}, nil
}

// Path returns the payment file for a batch. The same batch always maps to
// the same file.
func (s *Sink) Path(b model.Batch) string {
	return filepath.Join(s.dir, FileName(b))
}

// FileName returns the base name of a batch's payment file. Path separators
// in the name or ID are replaced so the file always lands in the export
// directory.
func FileName(b model.Batch) string {
	return fmt.Sprintf("batch_%s_%s.payment.jsonl", cleanComponent(b.Config.BatchName), cleanComponent(b.ID))
}

func cleanComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, `\`, "_")
	if s == "." || s == ".." {
		s = strings.Repeat("_", len(s))
	}
	return s
}

// Export builds the payment record for p and appends it to the batch file.
// A batch mismatch or missing platform ID is annotated in exportErrors and the
// record is still written. The record is returned whether or not the append
// succeeded.
func (s *Sink) Export(ctx context.Context, p model.Participant, b model.Batch) model.PaymentRecord {
	var exportErrors []string
	if pb := p.BatchID(); pb != b.ID {
		exportErrors = append(exportErrors,
			fmt.Sprintf("batchId mismatch: participant has %q, batch is %q", pb, b.ID))
	}
	if p.PlatformID() == "" {
		exportErrors = append(exportErrors, "participantData.platformId is missing")
	}
	if len(exportErrors) > 0 {
		s.logger.WarnContext(ctx, "export: payment record flagged for reconciliation",
			"participant_id", p.ID, "batch_id", b.ID, "export_errors", exportErrors)
	}

	rec := model.NewPaymentRecord(p, b, exportErrors)
	path := s.Path(b)

	if err := s.appendLine(rec, path); err != nil {
		s.logger.ErrorContext(ctx, "export: append payment record failed",
			"participant_id", p.ID, "batch_id", b.ID, "path", path, "error", err)
		s.observer.ExportFailed(ctx, p.ID, path, err)
		return rec
	}

	s.logger.InfoContext(ctx, "export: payment record appended",
		"participant_id", p.ID, "batch_id", b.ID, "path", path)
	s.observer.Exported(ctx, rec, path)
	return rec
}

func (s *Sink) appendLine(rec model.PaymentRecord, path string) (err error) {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("export: marshal record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // path is built by FileName under the configured dir
	if err != nil {
		return fmt.Errorf("export: open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("export: close %s: %w", path, cerr)
		}
	}()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if s.sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("export: fsync %s: %w", path, err)
		}
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) Exported(context.Context, model.PaymentRecord, string) {}
func (nopObserver) ExportFailed(context.Context, string, string, error)   {}
