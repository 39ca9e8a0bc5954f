package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/server/db"
)

type diskRepository struct {
	exec executor
}

var _ db.DiskRepository = (*diskRepository)(nil)

func (r *diskRepository) Create(ctx context.Context, disk *db.VMDisk) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO vm_disks (id, vm_id, device_path, storage_object_id, vhost_user, vhost_socket,
            readonly, direct, num_queues, queue_size, boot_order, rate_limit_group)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		disk.ID.String(), disk.VMID.String(), disk.DevicePath, uuidValue(disk.StorageObjectID),
		disk.VhostUser, disk.VhostSocket, disk.Readonly, disk.Direct,
		disk.NumQueues, disk.QueueSize, disk.BootOrder, disk.RateLimitGroup,
	)
	return wrapWrite("insert vm disk", err)
}

func (r *diskRepository) ListByVM(ctx context.Context, vmID uuid.UUID) ([]db.VMDisk, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, vm_id, device_path, storage_object_id, vhost_user, vhost_socket,
            readonly, direct, num_queues, queue_size, boot_order, rate_limit_group
         FROM vm_disks WHERE vm_id = ? ORDER BY boot_order IS NULL, boot_order, device_path;`,
		vmID.String())
	if err != nil {
		return nil, fmt.Errorf("query vm disks: %w", err)
	}
	defer rows.Close()

	var result []db.VMDisk
	for rows.Next() {
		var (
			disk   db.VMDisk
			id     string
			vm     string
			object sql.NullString
		)
		if err := rows.Scan(&id, &vm, &disk.DevicePath, &object, &disk.VhostUser,
			&disk.VhostSocket, &disk.Readonly, &disk.Direct, &disk.NumQueues,
			&disk.QueueSize, &disk.BootOrder, &disk.RateLimitGroup); err != nil {
			return nil, fmt.Errorf("scan vm disk: %w", err)
		}
		if disk.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if disk.VMID, err = uuid.Parse(vm); err != nil {
			return nil, err
		}
		if disk.StorageObjectID, err = scanUUID(object); err != nil {
			return nil, err
		}
		result = append(result, disk)
	}
	return result, rows.Err()
}

func (r *diskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM vm_disks WHERE id = ?;`, id.String())
	return wrapWrite("delete vm disk", err)
}

type nicRepository struct {
	exec executor
}

var _ db.NetworkInterfaceRepository = (*nicRepository)(nil)

func (r *nicRepository) Create(ctx context.Context, nic *db.NetworkInterface) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO network_interfaces (id, vm_id, device_id, tap_name, mac, host_mac, ip, mask,
            mtu, num_queues, queue_size, vhost_user, vhost_socket)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		nic.ID.String(), nic.VMID.String(), nic.DeviceID, nic.TapName, nic.Mac, nic.HostMac,
		nic.IP, nic.Mask, nic.Mtu, nic.NumQueues, nic.QueueSize, nic.VhostUser, nic.VhostSocket,
	)
	return wrapWrite("insert network interface", err)
}

func (r *nicRepository) ListByVM(ctx context.Context, vmID uuid.UUID) ([]db.NetworkInterface, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, vm_id, device_id, tap_name, mac, host_mac, ip, mask,
            mtu, num_queues, queue_size, vhost_user, vhost_socket
         FROM network_interfaces WHERE vm_id = ? ORDER BY device_id;`, vmID.String())
	if err != nil {
		return nil, fmt.Errorf("query network interfaces: %w", err)
	}
	defer rows.Close()

	var result []db.NetworkInterface
	for rows.Next() {
		var (
			nic db.NetworkInterface
			id  string
			vm  string
		)
		if err := rows.Scan(&id, &vm, &nic.DeviceID, &nic.TapName, &nic.Mac, &nic.HostMac,
			&nic.IP, &nic.Mask, &nic.Mtu, &nic.NumQueues, &nic.QueueSize,
			&nic.VhostUser, &nic.VhostSocket); err != nil {
			return nil, fmt.Errorf("scan network interface: %w", err)
		}
		if nic.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if nic.VMID, err = uuid.Parse(vm); err != nil {
			return nil, err
		}
		result = append(result, nic)
	}
	return result, rows.Err()
}

func (r *nicRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM network_interfaces WHERE id = ?;`, id.String())
	return wrapWrite("delete network interface", err)
}

type consoleRepository struct {
	exec executor
}

var _ db.ConsoleRepository = (*consoleRepository)(nil)

func (r *consoleRepository) Upsert(ctx context.Context, console *db.VMConsole) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO vm_consoles (id, vm_id, kind, mode, file_path, socket_path)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (vm_id, kind) DO UPDATE SET mode = excluded.mode,
            file_path = excluded.file_path, socket_path = excluded.socket_path;`,
		console.ID.String(), console.VMID.String(), console.Kind, console.Mode,
		console.FilePath, console.SocketPath,
	)
	return wrapWrite("upsert vm console", err)
}

func (r *consoleRepository) ListByVM(ctx context.Context, vmID uuid.UUID) ([]db.VMConsole, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, vm_id, kind, mode, file_path, socket_path
         FROM vm_consoles WHERE vm_id = ? ORDER BY kind;`, vmID.String())
	if err != nil {
		return nil, fmt.Errorf("query vm consoles: %w", err)
	}
	defer rows.Close()

	var result []db.VMConsole
	for rows.Next() {
		var (
			console db.VMConsole
			id      string
			vm      string
		)
		if err := rows.Scan(&id, &vm, &console.Kind, &console.Mode,
			&console.FilePath, &console.SocketPath); err != nil {
			return nil, fmt.Errorf("scan vm console: %w", err)
		}
		if console.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if console.VMID, err = uuid.Parse(vm); err != nil {
			return nil, err
		}
		result = append(result, console)
	}
	return result, rows.Err()
}

type rngRepository struct {
	exec executor
}

var _ db.RngRepository = (*rngRepository)(nil)

func (r *rngRepository) Upsert(ctx context.Context, rng *db.VMRng) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO vm_rng (id, vm_id, source) VALUES (?, ?, ?)
         ON CONFLICT (vm_id) DO UPDATE SET source = excluded.source;`,
		rng.ID.String(), rng.VMID.String(), rng.Source,
	)
	return wrapWrite("upsert vm rng", err)
}

func (r *rngRepository) GetByVM(ctx context.Context, vmID uuid.UUID) (*db.VMRng, error) {
	var (
		rng db.VMRng
		id  string
		vm  string
	)
	err := r.exec.QueryRowContext(ctx,
		`SELECT id, vm_id, source FROM vm_rng WHERE vm_id = ?;`, vmID.String()).
		Scan(&id, &vm, &rng.Source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vm rng: %w", err)
	}
	if rng.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if rng.VMID, err = uuid.Parse(vm); err != nil {
		return nil, err
	}
	return &rng, nil
}

type filesystemRepository struct {
	exec executor
}

var _ db.FilesystemRepository = (*filesystemRepository)(nil)

func (r *filesystemRepository) Create(ctx context.Context, fs *db.VMFilesystem) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO vm_filesystems (id, vm_id, tag, socket, num_queues, queue_size, image_ref, image_digest)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		fs.ID.String(), fs.VMID.String(), fs.Tag, fs.Socket,
		fs.NumQueues, fs.QueueSize, fs.ImageRef, fs.ImageDigest,
	)
	return wrapWrite("insert vm filesystem", err)
}

func (r *filesystemRepository) ListByVM(ctx context.Context, vmID uuid.UUID) ([]db.VMFilesystem, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, vm_id, tag, socket, num_queues, queue_size, image_ref, image_digest
         FROM vm_filesystems WHERE vm_id = ? ORDER BY tag;`, vmID.String())
	if err != nil {
		return nil, fmt.Errorf("query vm filesystems: %w", err)
	}
	defer rows.Close()

	var result []db.VMFilesystem
	for rows.Next() {
		var (
			fs db.VMFilesystem
			id string
			vm string
		)
		if err := rows.Scan(&id, &vm, &fs.Tag, &fs.Socket, &fs.NumQueues,
			&fs.QueueSize, &fs.ImageRef, &fs.ImageDigest); err != nil {
			return nil, fmt.Errorf("scan vm filesystem: %w", err)
		}
		if fs.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if fs.VMID, err = uuid.Parse(vm); err != nil {
			return nil, err
		}
		result = append(result, fs)
	}
	return result, rows.Err()
}

func (r *filesystemRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM vm_filesystems WHERE id = ?;`, id.String())
	return wrapWrite("delete vm filesystem", err)
}

type rateLimitGroupRepository struct {
	exec executor
}

var _ db.RateLimitGroupRepository = (*rateLimitGroupRepository)(nil)

func (r *rateLimitGroupRepository) Create(ctx context.Context, group *db.RateLimitGroup) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO rate_limit_groups (id, vm_id, name, bandwidth_size, bandwidth_refill, ops_size, ops_refill)
         VALUES (?, ?, ?, ?, ?, ?, ?);`,
		group.ID.String(), group.VMID.String(), group.Name,
		group.BandwidthSize, group.BandwidthRefill, group.OpsSize, group.OpsRefill,
	)
	return wrapWrite("insert rate limit group", err)
}

func (r *rateLimitGroupRepository) ListByVM(ctx context.Context, vmID uuid.UUID) ([]db.RateLimitGroup, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, vm_id, name, bandwidth_size, bandwidth_refill, ops_size, ops_refill
         FROM rate_limit_groups WHERE vm_id = ? ORDER BY name;`, vmID.String())
	if err != nil {
		return nil, fmt.Errorf("query rate limit groups: %w", err)
	}
	defer rows.Close()

	var result []db.RateLimitGroup
	for rows.Next() {
		var (
			group db.RateLimitGroup
			id    string
			vm    string
		)
		if err := rows.Scan(&id, &vm, &group.Name, &group.BandwidthSize,
			&group.BandwidthRefill, &group.OpsSize, &group.OpsRefill); err != nil {
			return nil, fmt.Errorf("scan rate limit group: %w", err)
		}
		if group.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if group.VMID, err = uuid.Parse(vm); err != nil {
			return nil, err
		}
		result = append(result, group)
	}
	return result, rows.Err()
}

func (r *rateLimitGroupRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM rate_limit_groups WHERE id = ?;`, id.String())
	return wrapWrite("delete rate limit group", err)
}
