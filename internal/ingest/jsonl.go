package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/record"
)

// maxLineSize bounds one JSONL line. Payloads are inlined as base64.
const maxLineSize = 64 << 20

// ImportOptions configures a JSONL import.
type ImportOptions struct {
	Path   string // input JSONL file, one record per line
	DryRun bool   // parse and compare without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read      int
	Changed   []string
	Unchanged int
	Errors    []string
}

// ReadJSONL parses records from r, one JSON object per line. Blank lines are
// skipped. Parsing stops at the first malformed line.
func ReadJSONL(r io.Reader) ([]*record.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var recs []*record.Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec record.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if err := record.ValidateID(rec.ID); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		recs = append(recs, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return recs, nil
}

// WriteJSONL writes records to w, one per line.
func WriteJSONL(w io.Writer, recs []*record.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Import stores every record of a JSONL export. Records whose content the
// store already holds are counted as unchanged; per-record failures are
// collected and don't stop the import.
func (i *Ingester) Import(ctx context.Context, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	recs, err := ReadJSONL(file)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Read++

		if opts.DryRun {
			changed, err := i.differs(ctx, rec)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
				continue
			}
			if changed {
				result.Changed = append(result.Changed, rec.ID)
			} else {
				result.Unchanged++
			}
			continue
		}

		changed, err := i.Apply(ctx, rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}
		if changed {
			result.Changed = append(result.Changed, rec.ID)
		} else {
			result.Unchanged++
		}
	}

	i.logger.Info("import complete",
		zap.String("path", opts.Path),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("read", result.Read),
		zap.Int("changed", len(result.Changed)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// differs reports whether Apply would write rec.
func (i *Ingester) differs(ctx context.Context, rec *record.Record) (bool, error) {
	existing, err := i.load(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	return existing == nil || existing.ContentHash() != rec.ContentHash(), nil
}
