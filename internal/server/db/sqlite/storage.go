package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/server/db"
)

type storagePoolRepository struct {
	exec executor
}

var _ db.StoragePoolRepository = (*storagePoolRepository)(nil)

func (r *storagePoolRepository) Create(ctx context.Context, pool *db.StoragePool) error {
	config := "{}"
	if len(pool.Config) > 0 {
		config = string(pool.Config)
	}
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO storage_pools (id, name, type, config, capacity, allocated, status)
         VALUES (?, ?, ?, ?, ?, ?, ?);`,
		pool.ID.String(), pool.Name, string(pool.Type), config,
		pool.Capacity, pool.Allocated, string(pool.Status),
	)
	return wrapWrite("insert storage pool", err)
}

func scanPool(row rowScanner) (db.StoragePool, error) {
	var (
		pool   db.StoragePool
		id     string
		config string
	)
	err := row.Scan(&id, &pool.Name, &pool.Type, &config, &pool.Capacity,
		&pool.Allocated, &pool.Status, &pool.CreatedAt)
	if err != nil {
		return db.StoragePool{}, err
	}
	pool.Config = []byte(config)
	pool.ID, err = uuid.Parse(id)
	return pool, err
}

func (r *storagePoolRepository) Get(ctx context.Context, id uuid.UUID) (*db.StoragePool, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT id, name, type, config, capacity, allocated, status, created_at
         FROM storage_pools WHERE id = ?;`, id.String())
	pool, err := scanPool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get storage pool: %w", err)
	}
	return &pool, nil
}

func (r *storagePoolRepository) List(ctx context.Context) ([]db.StoragePool, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, name, type, config, capacity, allocated, status, created_at
         FROM storage_pools ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query storage pools: %w", err)
	}
	defer rows.Close()

	var result []db.StoragePool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan storage pool: %w", err)
		}
		result = append(result, pool)
	}
	return result, rows.Err()
}

func (r *storagePoolRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status db.PoolStatus) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE storage_pools SET status = ? WHERE id = ?;`, string(status), id.String())
	return wrapWrite("update storage pool status", err)
}

func (r *storagePoolRepository) Reserve(ctx context.Context, id uuid.UUID, delta int64) error {
	// The CHECK constraint on allocated <= capacity turns over-reservation
	// into a constraint violation.
	_, err := r.exec.ExecContext(ctx,
		`UPDATE storage_pools SET allocated = allocated + ? WHERE id = ?;`, delta, id.String())
	return wrapWrite("reserve pool capacity", err)
}

func (r *storagePoolRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM storage_pools WHERE id = ?;`, id.String())
	return wrapWrite("delete storage pool", err)
}

type storageObjectRepository struct {
	exec executor
}

var _ db.StorageObjectRepository = (*storageObjectRepository)(nil)

func (r *storageObjectRepository) Create(ctx context.Context, obj *db.StorageObject) error {
	config := "{}"
	if len(obj.Config) > 0 {
		config = string(obj.Config)
	}
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO storage_objects (id, pool_id, name, type, size_bytes, config, parent_id)
         VALUES (?, ?, ?, ?, ?, ?, ?);`,
		obj.ID.String(), obj.PoolID.String(), obj.Name, string(obj.Type),
		obj.SizeBytes, config, uuidValue(obj.ParentID),
	)
	return wrapWrite("insert storage object", err)
}

func scanObject(row rowScanner) (db.StorageObject, error) {
	var (
		obj    db.StorageObject
		id     string
		poolID string
		config string
		parent sql.NullString
	)
	err := row.Scan(&id, &poolID, &obj.Name, &obj.Type, &obj.SizeBytes, &config, &parent, &obj.CreatedAt)
	if err != nil {
		return db.StorageObject{}, err
	}
	obj.Config = []byte(config)
	if obj.ID, err = uuid.Parse(id); err != nil {
		return db.StorageObject{}, err
	}
	if obj.PoolID, err = uuid.Parse(poolID); err != nil {
		return db.StorageObject{}, err
	}
	if obj.ParentID, err = scanUUID(parent); err != nil {
		return db.StorageObject{}, err
	}
	return obj, nil
}

func (r *storageObjectRepository) Get(ctx context.Context, id uuid.UUID) (*db.StorageObject, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT id, pool_id, name, type, size_bytes, config, parent_id, created_at
         FROM storage_objects WHERE id = ?;`, id.String())
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get storage object: %w", err)
	}
	return &obj, nil
}

func (r *storageObjectRepository) ListByPool(ctx context.Context, poolID uuid.UUID) ([]db.StorageObject, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, pool_id, name, type, size_bytes, config, parent_id, created_at
         FROM storage_objects WHERE pool_id = ? ORDER BY created_at ASC;`, poolID.String())
	if err != nil {
		return nil, fmt.Errorf("query storage objects: %w", err)
	}
	defer rows.Close()

	var result []db.StorageObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan storage object: %w", err)
		}
		result = append(result, obj)
	}
	return result, rows.Err()
}

func (r *storageObjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM storage_objects WHERE id = ?;`, id.String())
	return wrapWrite("delete storage object", err)
}

type jobRepository struct {
	exec executor
}

var _ db.JobRepository = (*jobRepository)(nil)

func (r *jobRepository) Create(ctx context.Context, job *db.Job) error {
	var result any
	if len(job.Result) > 0 {
		result = string(job.Result)
	}
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, progress, resource_id, result, error)
         VALUES (?, ?, ?, ?, ?, ?, ?);`,
		job.ID.String(), job.Type, string(job.Status), job.Progress,
		uuidValue(job.ResourceID), result, job.Error,
	)
	return wrapWrite("insert job", err)
}

func scanJob(row rowScanner) (db.Job, error) {
	var (
		job      db.Job
		id       string
		resource sql.NullString
		result   sql.NullString
	)
	err := row.Scan(&id, &job.Type, &job.Status, &job.Progress, &resource, &result,
		&job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return db.Job{}, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return db.Job{}, err
	}
	if job.ResourceID, err = scanUUID(resource); err != nil {
		return db.Job{}, err
	}
	if result.Valid && result.String != "" {
		job.Result = []byte(result.String)
	}
	return job, nil
}

func (r *jobRepository) Get(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT id, type, status, progress, resource_id, result, error, created_at, updated_at
         FROM jobs WHERE id = ?;`, id.String())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (r *jobRepository) List(ctx context.Context) ([]db.Job, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, type, status, progress, resource_id, result, error, created_at, updated_at
         FROM jobs ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var result []db.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (r *jobRepository) Update(ctx context.Context, id uuid.UUID, status db.JobStatus, progress int, errMsg string) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(status), progress, errMsg, id.String())
	return wrapWrite("update job", err)
}

type transferRepository struct {
	exec executor
}

var _ db.TransferRepository = (*transferRepository)(nil)

func (r *transferRepository) Create(ctx context.Context, transfer *db.Transfer) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO transfers (id, pool_id, object_name, object_type, source_path, status)
         VALUES (?, ?, ?, ?, ?, ?);`,
		transfer.ID.String(), transfer.PoolID.String(), transfer.ObjectName,
		string(transfer.ObjectType), transfer.SourcePath, string(transfer.Status),
	)
	return wrapWrite("insert transfer", err)
}

func scanTransfer(row rowScanner) (db.Transfer, error) {
	var (
		transfer db.Transfer
		id       string
		poolID   string
		objectID sql.NullString
	)
	err := row.Scan(&id, &poolID, &transfer.ObjectName, &transfer.ObjectType,
		&transfer.SourcePath, &transfer.Status, &objectID, &transfer.Error,
		&transfer.CreatedAt, &transfer.UpdatedAt)
	if err != nil {
		return db.Transfer{}, err
	}
	if transfer.ID, err = uuid.Parse(id); err != nil {
		return db.Transfer{}, err
	}
	if transfer.PoolID, err = uuid.Parse(poolID); err != nil {
		return db.Transfer{}, err
	}
	if transfer.ObjectID, err = scanUUID(objectID); err != nil {
		return db.Transfer{}, err
	}
	return transfer, nil
}

func (r *transferRepository) Get(ctx context.Context, id uuid.UUID) (*db.Transfer, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT id, pool_id, object_name, object_type, source_path, status, object_id, error, created_at, updated_at
         FROM transfers WHERE id = ?;`, id.String())
	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return &transfer, nil
}

func (r *transferRepository) List(ctx context.Context) ([]db.Transfer, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, pool_id, object_name, object_type, source_path, status, object_id, error, created_at, updated_at
         FROM transfers ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var result []db.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		result = append(result, transfer)
	}
	return result, rows.Err()
}

func (r *transferRepository) Complete(ctx context.Context, id uuid.UUID, objectID uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE transfers SET status = ?, object_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(db.JobStatusCompleted), objectID.String(), id.String())
	return wrapWrite("complete transfer", err)
}

func (r *transferRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE transfers SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(db.JobStatusFailed), errMsg, id.String())
	return wrapWrite("fail transfer", err)
}
