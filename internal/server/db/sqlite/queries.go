package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/qaraxhq/qarax/internal/server/db"
)

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Hosts() db.HostRepository             { return &hostRepository{exec: q.exec} }
func (q *queries) VMs() db.VMRepository                 { return &vmRepository{exec: q.exec} }
func (q *queries) BootSources() db.BootSourceRepository { return &bootSourceRepository{exec: q.exec} }
func (q *queries) StoragePools() db.StoragePoolRepository {
	return &storagePoolRepository{exec: q.exec}
}
func (q *queries) StorageObjects() db.StorageObjectRepository {
	return &storageObjectRepository{exec: q.exec}
}
func (q *queries) Disks() db.DiskRepository { return &diskRepository{exec: q.exec} }
func (q *queries) NetworkInterfaces() db.NetworkInterfaceRepository {
	return &nicRepository{exec: q.exec}
}
func (q *queries) Consoles() db.ConsoleRepository { return &consoleRepository{exec: q.exec} }
func (q *queries) Rng() db.RngRepository          { return &rngRepository{exec: q.exec} }
func (q *queries) Filesystems() db.FilesystemRepository {
	return &filesystemRepository{exec: q.exec}
}
func (q *queries) RateLimitGroups() db.RateLimitGroupRepository {
	return &rateLimitGroupRepository{exec: q.exec}
}
func (q *queries) Jobs() db.JobRepository           { return &jobRepository{exec: q.exec} }
func (q *queries) Transfers() db.TransferRepository { return &transferRepository{exec: q.exec} }

type rowScanner interface {
	Scan(dest ...any) error
}

// wrapWrite translates sqlite constraint violations into db.ErrConflict.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s: %v", db.ErrConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func uuidValue(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func scanUUID(raw sql.NullString) (*uuid.UUID, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse uuid %q: %w", raw.String, err)
	}
	return &id, nil
}

type hostRepository struct {
	exec executor
}

var _ db.HostRepository = (*hostRepository)(nil)

const hostColumns = `id, name, address, port, ssh_user, status, hypervisor_version, kernel_version, created_at, updated_at`

func (r *hostRepository) Create(ctx context.Context, host *db.Host) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO hosts (id, name, address, port, ssh_user, status, hypervisor_version, kernel_version)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		host.ID.String(), host.Name, host.Address, host.Port, host.SSHUser,
		string(host.Status), host.HypervisorVersion, host.KernelVersion,
	)
	return wrapWrite("insert host", err)
}

func scanHost(row rowScanner) (db.Host, error) {
	var (
		host db.Host
		id   string
	)
	err := row.Scan(&id, &host.Name, &host.Address, &host.Port, &host.SSHUser,
		&host.Status, &host.HypervisorVersion, &host.KernelVersion,
		&host.CreatedAt, &host.UpdatedAt)
	if err != nil {
		return db.Host{}, err
	}
	host.ID, err = uuid.Parse(id)
	return host, err
}

func (r *hostRepository) Get(ctx context.Context, id uuid.UUID) (*db.Host, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?;`, id.String())
	host, err := scanHost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get host: %w", err)
	}
	return &host, nil
}

func (r *hostRepository) List(ctx context.Context) ([]db.Host, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var result []db.Host
	for rows.Next() {
		host, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		result = append(result, host)
	}
	return result, rows.Err()
}

func (r *hostRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status db.HostStatus) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE hosts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(status), id.String())
	return wrapWrite("update host status", err)
}

func (r *hostRepository) UpdateVersions(ctx context.Context, id uuid.UUID, hypervisor, kernel string) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE hosts SET hypervisor_version = ?, kernel_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		hypervisor, kernel, id.String())
	return wrapWrite("update host versions", err)
}

func (r *hostRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?;`, id.String())
	return wrapWrite("delete host", err)
}

type vmRepository struct {
	exec executor
}

var _ db.VMRepository = (*vmRepository)(nil)

const vmColumns = `id, name, host_id, status, hypervisor, boot_source_id, description,
    boot_vcpus, max_vcpus, cpu_topology, kvm_hyperv,
    memory_size, memory_hotplug_size, memory_mergeable, memory_shared,
    memory_hugepages, memory_hugepage_size, memory_prefault, memory_thp,
    created_at, updated_at`

func (r *vmRepository) Create(ctx context.Context, vm *db.VM) error {
	var topology any
	if len(vm.CpuTopology) > 0 {
		topology = string(vm.CpuTopology)
	}
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO vms (id, name, host_id, status, hypervisor, boot_source_id, description,
            boot_vcpus, max_vcpus, cpu_topology, kvm_hyperv,
            memory_size, memory_hotplug_size, memory_mergeable, memory_shared,
            memory_hugepages, memory_hugepage_size, memory_prefault, memory_thp)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		vm.ID.String(), vm.Name, uuidValue(vm.HostID), string(vm.Status), vm.Hypervisor,
		uuidValue(vm.BootSourceID), vm.Description,
		vm.BootVcpus, vm.MaxVcpus, topology, vm.KvmHyperv,
		vm.MemorySize, vm.MemoryHotplugSize, vm.MemoryMergeable, vm.MemoryShared,
		vm.MemoryHugepages, vm.MemoryHugepageSize, vm.MemoryPrefault, vm.MemoryThp,
	)
	return wrapWrite("insert vm", err)
}

func scanVM(row rowScanner) (db.VM, error) {
	var (
		vm       db.VM
		id       string
		hostID   sql.NullString
		bootID   sql.NullString
		topology sql.NullString
	)
	err := row.Scan(&id, &vm.Name, &hostID, &vm.Status, &vm.Hypervisor, &bootID, &vm.Description,
		&vm.BootVcpus, &vm.MaxVcpus, &topology, &vm.KvmHyperv,
		&vm.MemorySize, &vm.MemoryHotplugSize, &vm.MemoryMergeable, &vm.MemoryShared,
		&vm.MemoryHugepages, &vm.MemoryHugepageSize, &vm.MemoryPrefault, &vm.MemoryThp,
		&vm.CreatedAt, &vm.UpdatedAt)
	if err != nil {
		return db.VM{}, err
	}
	if vm.ID, err = uuid.Parse(id); err != nil {
		return db.VM{}, err
	}
	if vm.HostID, err = scanUUID(hostID); err != nil {
		return db.VM{}, err
	}
	if vm.BootSourceID, err = scanUUID(bootID); err != nil {
		return db.VM{}, err
	}
	if topology.Valid && topology.String != "" {
		vm.CpuTopology = []byte(topology.String)
	}
	return vm, nil
}

func (r *vmRepository) Get(ctx context.Context, id uuid.UUID) (*db.VM, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?;`, id.String())
	vm, err := scanVM(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vm: %w", err)
	}
	return &vm, nil
}

func (r *vmRepository) GetByName(ctx context.Context, name string) (*db.VM, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE name = ?;`, name)
	vm, err := scanVM(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vm by name: %w", err)
	}
	return &vm, nil
}

func (r *vmRepository) List(ctx context.Context) ([]db.VM, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+vmColumns+` FROM vms ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	defer rows.Close()

	var result []db.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		result = append(result, vm)
	}
	return result, rows.Err()
}

func (r *vmRepository) CountByHost(ctx context.Context, hostID uuid.UUID) (int, error) {
	var count int
	err := r.exec.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vms WHERE host_id = ?;`, hostID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count vms by host: %w", err)
	}
	return count, nil
}

func (r *vmRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status db.VMStatus) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE vms SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(status), id.String())
	return wrapWrite("update vm status", err)
}

func (r *vmRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM vms WHERE id = ?;`, id.String())
	return wrapWrite("delete vm", err)
}

type bootSourceRepository struct {
	exec executor
}

var _ db.BootSourceRepository = (*bootSourceRepository)(nil)

func (r *bootSourceRepository) Create(ctx context.Context, bs *db.BootSource) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO boot_sources (id, name, kernel_id, initrd_id, firmware_id, kernel_cmdline)
         VALUES (?, ?, ?, ?, ?, ?);`,
		bs.ID.String(), bs.Name, bs.KernelID.String(),
		uuidValue(bs.InitrdID), uuidValue(bs.FirmwareID), bs.KernelCmdline,
	)
	return wrapWrite("insert boot source", err)
}

func scanBootSource(row rowScanner) (db.BootSource, error) {
	var (
		bs       db.BootSource
		id       string
		kernelID string
		initrd   sql.NullString
		firmware sql.NullString
	)
	err := row.Scan(&id, &bs.Name, &kernelID, &initrd, &firmware, &bs.KernelCmdline, &bs.CreatedAt)
	if err != nil {
		return db.BootSource{}, err
	}
	if bs.ID, err = uuid.Parse(id); err != nil {
		return db.BootSource{}, err
	}
	if bs.KernelID, err = uuid.Parse(kernelID); err != nil {
		return db.BootSource{}, err
	}
	if bs.InitrdID, err = scanUUID(initrd); err != nil {
		return db.BootSource{}, err
	}
	if bs.FirmwareID, err = scanUUID(firmware); err != nil {
		return db.BootSource{}, err
	}
	return bs, nil
}

func (r *bootSourceRepository) Get(ctx context.Context, id uuid.UUID) (*db.BootSource, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT id, name, kernel_id, initrd_id, firmware_id, kernel_cmdline, created_at
         FROM boot_sources WHERE id = ?;`, id.String())
	bs, err := scanBootSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get boot source: %w", err)
	}
	return &bs, nil
}

func (r *bootSourceRepository) List(ctx context.Context) ([]db.BootSource, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, name, kernel_id, initrd_id, firmware_id, kernel_cmdline, created_at
         FROM boot_sources ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query boot sources: %w", err)
	}
	defer rows.Close()

	var result []db.BootSource
	for rows.Next() {
		bs, err := scanBootSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan boot source: %w", err)
		}
		result = append(result, bs)
	}
	return result, rows.Err()
}

func (r *bootSourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM boot_sources WHERE id = ?;`, id.String())
	return wrapWrite("delete boot source", err)
}
