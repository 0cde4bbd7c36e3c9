// Package backup exports the local store to JSON Lines and imports it back.
//
// Each line is one record envelope. Import merges with the same
// last-write-wins rule as sync, so restoring an old backup over newer local
// data changes nothing, and importing the same file twice is a no-op.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
)

// maxLine bounds a single record line. Transcripts with long segment lists
// are the largest records.
const maxLine = 16 << 20

// Export writes every record of tables (all tables when empty) to w, one
// JSON object per line, in insertion order. Returns the number written.
func Export(ctx context.Context, st *store.Store, w io.Writer, tables ...schema.Table) (int, error) {
	if len(tables) == 0 {
		tables = schema.Tables
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	for _, table := range tables {
		recs, err := st.List(ctx, table, store.Filter{})
		if err != nil {
			return n, fmt.Errorf("failed to list %s: %w", table, err)
		}
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return n, fmt.Errorf("failed to encode %s %s: %w", table, rec.ID, err)
			}
			n++
		}
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to write export: %w", err)
	}
	return n, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, st *store.Store, path string, tables ...schema.Table) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, st, f, tables...)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// Options controls an import.
type Options struct {
	// DryRun reports what would change without writing
	DryRun bool

	// Backup exports the current store next to Path before importing
	Backup bool

	// Path of the import file, used to name the backup
	Path string

	// OnApplied is called for every record that changed the store
	OnApplied func(*schema.Record)
}

// Result contains statistics about an import.
type Result struct {
	Read          int
	Applied       int
	Skipped       int // local copy is as new or newer
	BackupCreated string
	Errors        []string
}

// Import reads records from r and merges them into st. Malformed or invalid
// lines are recorded in Result.Errors and skipped.
func Import(ctx context.Context, st *store.Store, r io.Reader, opts Options) (*Result, error) {
	result := &Result{}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := ExportFile(ctx, st, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var rec schema.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		result.Read++

		changed, err := apply(ctx, st, &rec, opts.DryRun)
		if err != nil {
			return result, err
		}
		if !changed {
			result.Skipped++
			continue
		}
		result.Applied++
		if opts.OnApplied != nil && !opts.DryRun {
			opts.OnApplied(&rec)
		}
	}
	if err := sc.Err(); err != nil {
		return result, fmt.Errorf("failed to read import at line %d: %w", lineNum+1, err)
	}
	return result, nil
}

func apply(ctx context.Context, st *store.Store, rec *schema.Record, dryRun bool) (bool, error) {
	if !dryRun {
		return st.Merge(ctx, rec)
	}
	local, err := st.Get(ctx, rec.Table, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.UpdatedAt > local.UpdatedAt, nil
}

// ImportFile imports the file at opts.Path.
func ImportFile(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return Import(ctx, st, f, opts)
}
