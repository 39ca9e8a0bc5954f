package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/node/vmconfig"
	"github.com/qaraxhq/qarax/internal/server/db"
	"github.com/qaraxhq/qarax/internal/server/nodeclient"
	"github.com/qaraxhq/qarax/internal/server/provisioner"
	"github.com/qaraxhq/qarax/internal/server/scheduler"
	"github.com/qaraxhq/qarax/internal/server/transfer"
)

// New constructs the control-plane REST router.
func New(logger *slog.Logger, store db.Store, sched *scheduler.Scheduler, prov *provisioner.Provisioner, transfers *transfer.Executor) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	api := &apiServer{
		logger:    logger,
		store:     store,
		scheduler: sched,
		prov:      prov,
		transfers: transfers,
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	hosts := r.Group("/hosts")
	{
		hosts.GET("", api.listHosts)
		hosts.POST("", api.createHost)
		hosts.GET(":id", api.getHost)
		hosts.PATCH(":id", api.patchHost)
		hosts.DELETE(":id", api.deleteHost)
		hosts.POST(":id/deploy", api.deployHost)
	}

	vms := r.Group("/vms")
	{
		vms.GET("", api.listVMs)
		vms.POST("", api.createVM)
		vms.GET(":id", api.getVM)
		vms.DELETE(":id", api.deleteVM)
		vms.POST(":id/start", api.vmLifecycle("start"))
		vms.POST(":id/stop", api.vmLifecycle("stop"))
		vms.POST(":id/pause", api.vmLifecycle("pause"))
		vms.POST(":id/resume", api.vmLifecycle("resume"))
		vms.POST(":id/sync", api.syncVM)
		vms.POST(":id/network-interfaces", api.addVMNetwork)
		vms.DELETE(":id/network-interfaces/:deviceID", api.removeVMNetwork)
	}

	pools := r.Group("/storage-pools")
	{
		pools.GET("", api.listPools)
		pools.POST("", api.createPool)
		pools.GET(":id", api.getPool)
		pools.PATCH(":id", api.patchPool)
		pools.DELETE(":id", api.deletePool)
		pools.GET(":id/storage-objects", api.listObjects)
		pools.POST(":id/storage-objects", api.createObject)
	}

	objects := r.Group("/storage-objects")
	{
		objects.GET(":id", api.getObject)
		objects.DELETE(":id", api.deleteObject)
	}

	bootSources := r.Group("/boot-sources")
	{
		bootSources.GET("", api.listBootSources)
		bootSources.POST("", api.createBootSource)
		bootSources.GET(":id", api.getBootSource)
		bootSources.DELETE(":id", api.deleteBootSource)
	}

	transfersGroup := r.Group("/transfers")
	{
		transfersGroup.GET("", api.listTransfers)
		transfersGroup.POST("", api.createTransfer)
		transfersGroup.GET(":id", api.getTransfer)
	}

	jobs := r.Group("/jobs")
	{
		jobs.GET("", api.listJobs)
		jobs.GET(":id", api.getJob)
	}

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

type apiServer struct {
	logger    *slog.Logger
	store     db.Store
	scheduler *scheduler.Scheduler
	prov      *provisioner.Provisioner
	transfers *transfer.Executor
}

// errorResponse renders the error with its kind so clients can branch
// without parsing messages.
func (api *apiServer) errorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, vmconfig.ErrInvalid), errors.Is(err, provisioner.ErrMissingCredentials):
		status, kind = http.StatusUnprocessableEntity, "invalid-config"
	case errors.Is(err, scheduler.ErrNoEligibleHost):
		status, kind = http.StatusUnprocessableEntity, "no-eligible-host"
	case errors.Is(err, scheduler.ErrReferential):
		status, kind = http.StatusUnprocessableEntity, "referential-integrity"
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, provisioner.ErrNotFound):
		status, kind = http.StatusNotFound, "not-found"
	case errors.Is(err, scheduler.ErrHostNotUp), errors.Is(err, provisioner.ErrInvalidTransition):
		status, kind = http.StatusConflict, "state"
	case errors.Is(err, scheduler.ErrHostUnreachable):
		status, kind = http.StatusServiceUnavailable, "host-unreachable"
	case errors.Is(err, transfer.ErrPoolUnavailable):
		status, kind = http.StatusUnprocessableEntity, "referential-integrity"
	case errors.Is(err, db.ErrConflict):
		status, kind = http.StatusConflict, "store-conflict"
	case nodeclient.IsInvalidConfig(err):
		status, kind = http.StatusUnprocessableEntity, "invalid-config"
	case nodeclient.IsInvalidState(err):
		status, kind = http.StatusConflict, "state"
	case nodeclient.IsNotFound(err):
		status, kind = http.StatusNotFound, "not-found"
	case nodeclient.IsUnavailable(err):
		status, kind = http.StatusServiceUnavailable, "host-unreachable"
	}

	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid id", "kind": "invalid-config"})
		return uuid.Nil, false
	}
	return id, true
}

type hostResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Address           string    `json:"address"`
	Port              uint16    `json:"port"`
	SSHUser           string    `json:"ssh_user,omitempty"`
	Status            string    `json:"status"`
	HypervisorVersion string    `json:"hypervisor_version,omitempty"`
	KernelVersion     string    `json:"kernel_version,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func hostToResponse(host db.Host) hostResponse {
	return hostResponse{
		ID:                host.ID,
		Name:              host.Name,
		Address:           host.Address,
		Port:              host.Port,
		SSHUser:           host.SSHUser,
		Status:            string(host.Status),
		HypervisorVersion: host.HypervisorVersion,
		KernelVersion:     host.KernelVersion,
		CreatedAt:         host.CreatedAt,
		UpdatedAt:         host.UpdatedAt,
	}
}

type createHostRequest struct {
	Name    string `json:"name" binding:"required"`
	Address string `json:"address" binding:"required"`
	Port    uint16 `json:"port"`
	SSHUser string `json:"ssh_user"`
}

func (api *apiServer) createHost(c *gin.Context) {
	var req createHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}
	if req.Port == 0 {
		req.Port = 50051
	}
	host := db.Host{
		ID:      uuid.New(),
		Name:    req.Name,
		Address: req.Address,
		Port:    req.Port,
		SSHUser: req.SSHUser,
		Status:  db.HostStatusDown,
	}
	if err := api.store.Queries().Hosts().Create(c.Request.Context(), &host); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, hostToResponse(host))
}

func (api *apiServer) listHosts(c *gin.Context) {
	hosts, err := api.store.Queries().Hosts().List(c.Request.Context())
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]hostResponse, 0, len(hosts))
	for _, host := range hosts {
		resp = append(resp, hostToResponse(host))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getHost(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	host, err := api.store.Queries().Hosts().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if host == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, hostToResponse(*host))
}

type patchHostRequest struct {
	Status            *string `json:"status,omitempty"`
	HypervisorVersion *string `json:"hypervisor_version,omitempty"`
	KernelVersion     *string `json:"kernel_version,omitempty"`
}

// patchHost lets an operator force host state, bypassing the provisioner.
func (api *apiServer) patchHost(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req patchHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}

	ctx := c.Request.Context()
	hosts := api.store.Queries().Hosts()
	host, err := hosts.Get(ctx, id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if host == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found", "kind": "not-found"})
		return
	}

	if req.Status != nil {
		status := db.HostStatus(*req.Status)
		switch status {
		case db.HostStatusDown, db.HostStatusInstalling, db.HostStatusUp, db.HostStatusInstallationFailed:
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown host status", "kind": "invalid-config"})
			return
		}
		if err := hosts.UpdateStatus(ctx, id, status); err != nil {
			api.errorResponse(c, err)
			return
		}
		host.Status = status
	}
	if req.HypervisorVersion != nil || req.KernelVersion != nil {
		hv := host.HypervisorVersion
		kernel := host.KernelVersion
		if req.HypervisorVersion != nil {
			hv = *req.HypervisorVersion
		}
		if req.KernelVersion != nil {
			kernel = *req.KernelVersion
		}
		if err := hosts.UpdateVersions(ctx, id, hv, kernel); err != nil {
			api.errorResponse(c, err)
			return
		}
		host.HypervisorVersion = hv
		host.KernelVersion = kernel
	}

	c.JSON(http.StatusOK, hostToResponse(*host))
}

// deleteHost refuses while VMs are still scheduled on the host.
func (api *apiServer) deleteHost(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	count, err := api.store.Queries().VMs().CountByHost(ctx, id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "host still has scheduled vms", "kind": "state"})
		return
	}
	if err := api.store.Queries().Hosts().Delete(ctx, id); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (api *apiServer) deployHost(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req provisioner.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}
	jobID, err := api.prov.Deploy(c.Request.Context(), id, req)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

type vmResponse struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	HostID       *uuid.UUID `json:"host_id,omitempty"`
	Status       string     `json:"status"`
	Hypervisor   string     `json:"hypervisor"`
	BootSourceID *uuid.UUID `json:"boot_source_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	BootVcpus    uint32     `json:"boot_vcpus"`
	MaxVcpus     uint32     `json:"max_vcpus"`
	MemorySize   int64      `json:"memory_size"`
	MemoryShared bool       `json:"memory_shared"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func vmToResponse(vm db.VM) vmResponse {
	return vmResponse{
		ID:           vm.ID,
		Name:         vm.Name,
		HostID:       vm.HostID,
		Status:       string(vm.Status),
		Hypervisor:   vm.Hypervisor,
		BootSourceID: vm.BootSourceID,
		Description:  vm.Description,
		BootVcpus:    vm.BootVcpus,
		MaxVcpus:     vm.MaxVcpus,
		MemorySize:   vm.MemorySize,
		MemoryShared: vm.MemoryShared,
		CreatedAt:    vm.CreatedAt,
		UpdatedAt:    vm.UpdatedAt,
	}
}

func (api *apiServer) createVM(c *gin.Context) {
	var req scheduler.CreateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}
	vm, err := api.scheduler.CreateVM(c.Request.Context(), req)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, vmToResponse(*vm))
}

func (api *apiServer) listVMs(c *gin.Context) {
	vms, err := api.store.Queries().VMs().List(c.Request.Context())
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	resp := make([]vmResponse, 0, len(vms))
	for _, vm := range vms {
		resp = append(resp, vmToResponse(vm))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getVM(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	vm, err := api.store.Queries().VMs().Get(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	if vm == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "vm not found", "kind": "not-found"})
		return
	}
	c.JSON(http.StatusOK, vmToResponse(*vm))
}

func (api *apiServer) deleteVM(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := api.scheduler.DeleteVM(c.Request.Context(), id); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (api *apiServer) vmLifecycle(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		vm, err := api.scheduler.Lifecycle(c.Request.Context(), id, op)
		if err != nil {
			api.errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, vmToResponse(*vm))
	}
}

func (api *apiServer) syncVM(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	vm, err := api.scheduler.Sync(c.Request.Context(), id)
	if err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, vmToResponse(*vm))
}

func (api *apiServer) addVMNetwork(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req scheduler.NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "invalid-config"})
		return
	}
	if err := api.scheduler.AddNetworkDevice(c.Request.Context(), id, req); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "attached"})
}

func (api *apiServer) removeVMNetwork(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deviceID := c.Param("deviceID")
	if err := api.scheduler.RemoveNetworkDevice(c.Request.Context(), id, deviceID); err != nil {
		api.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "detached"})
}
