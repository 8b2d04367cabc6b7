// Package persist implements the deduplicating batch persistence engine.
//
// A persist run takes a freshly collected identity set, subtracts the user
// ids already stored, and commits only the new records in fixed-size,
// independently committed batches. A backup snapshot of the store is taken
// before the first write of a run.
package persist

import (
	"context"
	"fmt"

	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/repository"
)

// batchSize is the number of records committed per transaction.
const batchSize = 1000

// identityStore is the subset of the identities repository the engine needs.
type identityStore interface {
	ExistingIDs(ctx context.Context, candidates []int64) (map[int64]struct{}, error)
	InsertBatch(ctx context.Context, records []repository.Identity) (int64, error)
}

// snapshotter takes a pre-write backup of the store.
type snapshotter interface {
	Snapshot(ctx context.Context) (string, error)
}

// BatchError records a failed batch commit. Records counts the rows that were
// lost with it; callers subtract them when reconciling counts.
type BatchError struct {
	Index   int    `json:"index"`
	Records int    `json:"records"`
	Message string `json:"message"`
}

// Result contains persistence statistics for one run.
type Result struct {
	Inserted    int          `json:"inserted"`
	Duplicates  int          `json:"duplicates"`
	BatchErrors []BatchError `json:"batch_errors,omitempty"`
	BackupPath  string       `json:"backup_path,omitempty"`
}

// Engine reconciles collected identity sets against the store and commits
// new records in batches.
type Engine struct {
	store identityStore
	snap  snapshotter
	log   *logger.Logger
}

// NewEngine creates a persistence engine.
func NewEngine(store identityStore, snap snapshotter, log *logger.Logger) *Engine {
	return &Engine{
		store: store,
		snap:  snap,
		log:   log,
	}
}

// Persist commits the new subset of records to the store.
//
// A batch failure is recorded and does not roll back previously committed
// batches, nor does it abort the remaining ones. The returned slice holds the
// records that were actually inserted, for the export collaborator.
func (e *Engine) Persist(ctx context.Context, records []repository.Identity) (*Result, []repository.Identity, error) {
	result := &Result{}

	if len(records) == 0 {
		e.log.Info().Msg("persist: empty identity set, nothing to do")
		return result, nil, nil
	}

	// No write without a backup first.
	backupPath, err := e.snap.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("backup before write: %w", err)
	}
	result.BackupPath = backupPath
	e.log.Info().Str("backup", backupPath).Msg("persist: backup snapshot created")

	candidates := make([]int64, 0, len(records))
	for _, rec := range records {
		candidates = append(candidates, rec.UserID)
	}

	existing, err := e.store.ExistingIDs(ctx, candidates)
	if err != nil {
		return nil, nil, fmt.Errorf("query existing ids: %w", err)
	}

	newRecords := make([]repository.Identity, 0, len(records))
	for _, rec := range records {
		if _, ok := existing[rec.UserID]; ok {
			result.Duplicates++
			continue
		}
		newRecords = append(newRecords, rec)
	}

	var committed []repository.Identity
	for start, index := 0, 0; start < len(newRecords); start, index = start+batchSize, index+1 {
		end := start + batchSize
		if end > len(newRecords) {
			end = len(newRecords)
		}
		batch := newRecords[start:end]

		inserted, err := e.store.InsertBatch(ctx, batch)
		if err != nil {
			e.log.Error().Err(err).Int("batch", index).Int("records", len(batch)).
				Msg("persist: batch failed")
			result.BatchErrors = append(result.BatchErrors, BatchError{
				Index:   index,
				Records: len(batch),
				Message: err.Error(),
			})
			continue
		}

		result.Inserted += int(inserted)
		// Rows skipped inside a committed batch lost a race with another
		// writer; they count as duplicates.
		result.Duplicates += len(batch) - int(inserted)
		committed = append(committed, batch...)
	}

	e.log.Info().
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("failed_batches", len(result.BatchErrors)).
		Msg("persist: completed")

	return result, committed, nil
}
