package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/server/db"
)

const jobTypeTransfer = "transfer"

// ErrPoolUnavailable indicates the target pool is missing or inactive.
var ErrPoolUnavailable = errors.New("transfer: storage pool unavailable")

// Executor copies sources into storage pools, producing storage objects.
// Each transfer runs detached and reports through its transfer and job rows.
type Executor struct {
	store  db.Store
	logger *slog.Logger
}

// New constructs an executor.
func New(store db.Store, logger *slog.Logger) *Executor {
	return &Executor{store: store, logger: logger.With("component", "transfer")}
}

// Start validates the transfer's pool, persists the transfer and its job,
// and kicks off the copy. The transfer row is returned immediately.
func (e *Executor) Start(ctx context.Context, poolID uuid.UUID, objectName string, objectType db.ObjectType, sourcePath string) (*db.Transfer, error) {
	transfer := &db.Transfer{
		ID:         uuid.New(),
		PoolID:     poolID,
		ObjectName: strings.TrimSpace(objectName),
		ObjectType: objectType,
		SourcePath: sourcePath,
		Status:     db.JobStatusRunning,
	}
	job := &db.Job{
		ID:         uuid.New(),
		Type:       jobTypeTransfer,
		Status:     db.JobStatusRunning,
		ResourceID: &transfer.ID,
	}

	var poolPath string
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		pool, err := q.StoragePools().Get(ctx, poolID)
		if err != nil {
			return err
		}
		if pool == nil || pool.Status != db.PoolStatusActive {
			return fmt.Errorf("%w: %s", ErrPoolUnavailable, poolID)
		}
		poolPath, err = poolDirectory(pool)
		if err != nil {
			return err
		}
		if err := q.Transfers().Create(ctx, transfer); err != nil {
			return err
		}
		return q.Jobs().Create(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	go e.run(transfer, job.ID, poolPath)
	return transfer, nil
}

func (e *Executor) run(transfer *db.Transfer, jobID uuid.UUID, poolPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	fail := func(err error) {
		e.logger.Error("transfer failed", "transfer", transfer.ID, "error", err)
		q := e.store.Queries()
		if updErr := q.Transfers().Fail(ctx, transfer.ID, err.Error()); updErr != nil {
			e.logger.Error("mark transfer failed", "transfer", transfer.ID, "error", updErr)
		}
		if updErr := q.Jobs().Update(ctx, jobID, db.JobStatusFailed, 100, err.Error()); updErr != nil {
			e.logger.Error("update transfer job", "job", jobID, "error", updErr)
		}
	}

	destPath := filepath.Join(poolPath, transfer.ObjectName)
	size, err := copyFile(transfer.SourcePath, destPath)
	if err != nil {
		fail(err)
		return
	}

	object := &db.StorageObject{
		ID:        uuid.New(),
		PoolID:    transfer.PoolID,
		Name:      transfer.ObjectName,
		Type:      transfer.ObjectType,
		SizeBytes: size,
	}
	config, _ := json.Marshal(map[string]string{"path": destPath})
	object.Config = config

	err = e.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.StoragePools().Reserve(ctx, transfer.PoolID, size); err != nil {
			return err
		}
		if err := q.StorageObjects().Create(ctx, object); err != nil {
			return err
		}
		if err := q.Transfers().Complete(ctx, transfer.ID, object.ID); err != nil {
			return err
		}
		return q.Jobs().Update(ctx, jobID, db.JobStatusCompleted, 100, "")
	})
	if err != nil {
		_ = os.Remove(destPath)
		fail(err)
		return
	}

	e.logger.Info("transfer completed", "transfer", transfer.ID, "object", object.ID, "bytes", size)
}

// poolDirectory extracts the pool's path from its opaque config.
func poolDirectory(pool *db.StoragePool) (string, error) {
	var config struct {
		Path string `json:"path"`
	}
	if len(pool.Config) > 0 {
		if err := json.Unmarshal(pool.Config, &config); err != nil {
			return "", fmt.Errorf("decode pool config: %w", err)
		}
	}
	if strings.TrimSpace(config.Path) == "" {
		return "", fmt.Errorf("%w: pool %s has no path", ErrPoolUnavailable, pool.ID)
	}
	return config.Path, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("ensure pool directory: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open destination: %w", err)
	}
	defer out.Close()

	size, err := io.Copy(out, in)
	if err != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("sync destination: %w", err)
	}
	return size, nil
}
