package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/server/db"
)

// errHandled signals that the handler already wrote a response from inside
// a transaction closure; the caller only needs to roll back.
var errHandled = errors.New("httpapi: response already written")

type poolResponse struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	Capacity      *int64          `json:"capacity,omitempty"`
	CapacityHuman string          `json:"capacity_human,omitempty"`
	Allocated     int64           `json:"allocated"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

func poolToResponse(pool db.StoragePool) poolResponse {
	resp := poolResponse{
		ID:        pool.ID,
		Name:      pool.Name,
		Type:      string(pool.Type),
		Config:    pool.Config,
		Capacity:  pool.Capacity,
		Allocated: pool.Allocated,
		Status:    string(pool.Status),
		CreatedAt: pool.CreatedAt,
	}
	if pool.Capacity != nil {
		resp.CapacityHuman = units.BytesSize(float64(*pool.Capacity))
	}
	return resp
}

type createPoolRequest struct {
	Name     string          `json:"name" binding:"required"`
	Type     string          `json:"type" binding:"required,oneof=local nfs"`
	Config   json.RawMessage `json:"config,omitempty"`
	Capacity string          `json:"capacity,omitempty"`
}

func (api *apiServer) createPool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}

	pool := db.StoragePool{
		ID:     uuid.New(),
		Name:   req.Name,
		Type:   db.PoolType(req.Type),
		Config: req.Config,
		Status: db.PoolStatusActive,
	}
	if req.Capacity != "" {
		// Accept human-readable sizes ("100GiB") as well as raw bytes.
		capacity, err := units.RAMInBytes(req.Capacity)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid capacity: " + err.Error(), "kind": "invalid-config"})
			return
		}
		pool.Capacity = &capacity
	}

	if err := api.store.Queries().StoragePools().Create(c.Request.Context(), &pool); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, poolToResponse(pool))
}

func (api *apiServer) listPools(c *gin.Context) {
	pools, err := api.store.Queries().StoragePools().List(c.Request.Context())
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]poolResponse, 0, len(pools))
	for _, pool := range pools {
		resp = append(resp, poolToResponse(pool))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getPool(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	pool, err := api.store.Queries().StoragePools().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage pool not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, poolToResponse(*pool))
}

type patchPoolRequest struct {
	Status *string `json:"status,omitempty"`
}

func (api *apiServer) patchPool(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req patchPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}
	if req.Status != nil {
		status := db.PoolStatus(*req.Status)
		switch status {
		case db.PoolStatusActive, db.PoolStatusInactive, db.PoolStatusError:
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown pool status", "kind": "invalid-config"})
			return
		}
		if err := api.store.Queries().StoragePools().UpdateStatus(c.Request.Context(), id, status); err != nil {
			api.errorResponse(c, err)
			return
		}
	}
	api.getPool(c)
}

func (api *apiServer) deletePool(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	objects, err := api.store.Queries().StorageObjects().ListByPool(ctx, id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if len(objects) > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "pool still has storage objects", "kind": "state"})
		return
	}
	if err := api.store.Queries().StoragePools().Delete(ctx, id); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type objectResponse struct {
	ID        uuid.UUID       `json:"id"`
	PoolID    uuid.UUID       `json:"pool_id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	SizeBytes int64           `json:"size_bytes"`
	SizeHuman string          `json:"size_human,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	ParentID  *uuid.UUID      `json:"parent_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func objectToResponse(obj db.StorageObject) objectResponse {
	return objectResponse{
		ID:        obj.ID,
		PoolID:    obj.PoolID,
		Name:      obj.Name,
		Type:      string(obj.Type),
		SizeBytes: obj.SizeBytes,
		SizeHuman: units.BytesSize(float64(obj.SizeBytes)),
		Config:    obj.Config,
		ParentID:  obj.ParentID,
		CreatedAt: obj.CreatedAt,
	}
}

type createObjectRequest struct {
	Name      string          `json:"name" binding:"required"`
	Type      string          `json:"type" binding:"required,oneof=disk kernel initrd iso snapshot"`
	SizeBytes int64           `json:"size_bytes"`
	Config    json.RawMessage `json:"config,omitempty"`
	ParentID  *uuid.UUID      `json:"parent_id,omitempty"`
}

func (api *apiServer) createObject(c *gin.Context) {
	poolID, ok := parseID(c)
	if !ok {
		return
	}
	var req createObjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}

	obj := db.StorageObject{
		ID:        uuid.New(),
		PoolID:    poolID,
		Name:      req.Name,
		Type:      db.ObjectType(req.Type),
		SizeBytes: req.SizeBytes,
		Config:    req.Config,
		ParentID:  req.ParentID,
	}

	ctx := c.Request.Context()
	err := api.store.WithTx(ctx, func(q db.Queries) error {
		pool, err := q.StoragePools().Get(ctx, poolID)
		if err != nil {
			return err
		}
		if pool == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "storage pool not found", "kind": "not-found"})
			return errHandled
		}
		if req.ParentID != nil {
			parent, err := q.StorageObjects().Get(ctx, *req.ParentID)
			if err != nil {
				return err
			}
			if parent == nil || parent.PoolID != poolID {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "parent object not in pool", "kind": "referential-integrity"})
				return errHandled
			}
		}
		if req.SizeBytes > 0 {
			if err := q.StoragePools().Reserve(ctx, poolID, req.SizeBytes); err != nil {
				return err
			}
		}
		return q.StorageObjects().Create(ctx, &obj)
	})
	if err != nil {
		if !errors.Is(err, errHandled) {
			api.errorResponse(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, objectToResponse(obj))
}

func (api *apiServer) listObjects(c *gin.Context) {
	poolID, ok := parseID(c)
	if !ok {
		return
	}
	objects, err := api.store.Queries().StorageObjects().ListByPool(c.Request.Context(), poolID)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]objectResponse, 0, len(objects))
	for _, obj := range objects {
		resp = append(resp, objectToResponse(obj))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getObject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	obj, err := api.store.Queries().StorageObjects().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if obj == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage object not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, objectToResponse(*obj))
}

func (api *apiServer) deleteObject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := api.store.WithTx(ctx, func(q db.Queries) error {
		obj, err := q.StorageObjects().Get(ctx, id)
		if err != nil {
			return err
		}
		if obj == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "storage object not found", "kind": "not-found"})
			return errHandled
		}
		if obj.SizeBytes > 0 {
			if err := q.StoragePools().Reserve(ctx, obj.PoolID, -obj.SizeBytes); err != nil {
				return err
			}
		}
		return q.StorageObjects().Delete(ctx, id)
	})
	if err != nil {
		if !errors.Is(err, errHandled) {
			api.errorResponse(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type bootSourceResponse struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	KernelID      uuid.UUID  `json:"kernel_id"`
	InitrdID      *uuid.UUID `json:"initrd_id,omitempty"`
	FirmwareID    *uuid.UUID `json:"firmware_id,omitempty"`
	KernelCmdline string     `json:"kernel_cmdline,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func bootSourceToResponse(bs db.BootSource) bootSourceResponse {
	return bootSourceResponse{
		ID:            bs.ID,
		Name:          bs.Name,
		KernelID:      bs.KernelID,
		InitrdID:      bs.InitrdID,
		FirmwareID:    bs.FirmwareID,
		KernelCmdline: bs.KernelCmdline,
		CreatedAt:     bs.CreatedAt,
	}
}

type createBootSourceRequest struct {
	Name          string     `json:"name" binding:"required"`
	KernelID      uuid.UUID  `json:"kernel_id" binding:"required"`
	InitrdID      *uuid.UUID `json:"initrd_id,omitempty"`
	FirmwareID    *uuid.UUID `json:"firmware_id,omitempty"`
	KernelCmdline string     `json:"kernel_cmdline,omitempty"`
}

func (api *apiServer) createBootSource(c *gin.Context) {
	var req createBootSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}

	bs := db.BootSource{
		ID:            uuid.New(),
		Name:          req.Name,
		KernelID:      req.KernelID,
		InitrdID:      req.InitrdID,
		FirmwareID:    req.FirmwareID,
		KernelCmdline: req.KernelCmdline,
	}

	ctx := c.Request.Context()
	err := api.store.WithTx(ctx, func(q db.Queries) error {
		for _, ref := range bootSourceRefs(&bs) {
			obj, err := q.StorageObjects().Get(ctx, ref)
			if err != nil {
				return err
			}
			if obj == nil {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "referenced storage object not found", "kind": "referential-integrity"})
				return errHandled
			}
		}
		return q.BootSources().Create(ctx, &bs)
	})
	if err != nil {
		if !errors.Is(err, errHandled) {
			api.errorResponse(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, bootSourceToResponse(bs))
}

func bootSourceRefs(bs *db.BootSource) []uuid.UUID {
	refs := []uuid.UUID{bs.KernelID}
	if bs.InitrdID != nil {
		refs = append(refs, *bs.InitrdID)
	}
	if bs.FirmwareID != nil {
		refs = append(refs, *bs.FirmwareID)
	}
	return refs
}

func (api *apiServer) listBootSources(c *gin.Context) {
	sources, err := api.store.Queries().BootSources().List(c.Request.Context())
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]bootSourceResponse, 0, len(sources))
	for _, bs := range sources {
		resp = append(resp, bootSourceToResponse(bs))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getBootSource(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	bs, err := api.store.Queries().BootSources().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if bs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "boot source not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, bootSourceToResponse(*bs))
}

func (api *apiServer) deleteBootSource(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := api.store.Queries().BootSources().Delete(c.Request.Context(), id); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type createTransferRequest struct {
	PoolID     uuid.UUID `json:"pool_id" binding:"required"`
	ObjectName string    `json:"object_name" binding:"required"`
	ObjectType string    `json:"object_type" binding:"required,oneof=disk kernel initrd iso snapshot"`
	SourcePath string    `json:"source_path" binding:"required"`
}

type transferResponse struct {
	ID         uuid.UUID  `json:"id"`
	PoolID     uuid.UUID  `json:"pool_id"`
	ObjectName string     `json:"object_name"`
	ObjectType string     `json:"object_type"`
	SourcePath string     `json:"source_path"`
	Status     string     `json:"status"`
	ObjectID   *uuid.UUID `json:"object_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func transferToResponse(t db.Transfer) transferResponse {
	return transferResponse{
		ID:         t.ID,
		PoolID:     t.PoolID,
		ObjectName: t.ObjectName,
		ObjectType: string(t.ObjectType),
		SourcePath: t.SourcePath,
		Status:     string(t.Status),
		ObjectID:   t.ObjectID,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func (api *apiServer) createTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}
	t, err := api.transfers.Start(c.Request.Context(), req.PoolID, req.ObjectName, db.ObjectType(req.ObjectType), req.SourcePath)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusAccepted, transferToResponse(*t))
}

func (api *apiServer) listTransfers(c *gin.Context) {
	ts, err := api.store.Queries().Transfers().List(c.Request.Context())
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]transferResponse, 0, len(ts))
	for _, t := range ts {
		resp = append(resp, transferToResponse(t))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := api.store.Queries().Transfers().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, transferToResponse(*t))
}

type jobResponse struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	ResourceID *uuid.UUID      `json:"resource_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func jobToResponse(job db.Job) jobResponse {
	return jobResponse{
		ID:         job.ID,
		Type:       job.Type,
		Status:     string(job.Status),
		Progress:   job.Progress,
		ResourceID: job.ResourceID,
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func (api *apiServer) listJobs(c *gin.Context) {
	jobs, err := api.store.Queries().Jobs().List(c.Request.Context())
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobToResponse(job))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := api.store.Queries().Jobs().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}
