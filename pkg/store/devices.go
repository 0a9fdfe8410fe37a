// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

type deviceRow struct {
	model.Device
	MetadataRaw []byte `db:"metadata"`
}

func (r *deviceRow) toDevice() (*model.Device, error) {
	d := r.Device
	if len(r.MetadataRaw) > 0 {
		if err := json.Unmarshal(r.MetadataRaw, &d.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode device metadata")
		}
	}
	return &d, nil
}

// CreateDevice inserts a device stamped with its tenant.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.DeviceActive
	}
	d.CreatedAt = s.clock.Now().UTC()
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return errors.Wrap(err, "encode device metadata")
	}
	if d.Metadata == nil {
		meta = []byte(`{}`)
	}

	return s.run(ctx, "create_device", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (id, tenant_id, name, type, protocol, status, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.TenantID, d.Name, d.Type, d.Protocol, d.Status, meta, d.CreatedAt)
		if isUniqueViolation(err) {
			return errors.Wrap(platform.ErrConflict, "device id already exists")
		}
		return errors.Wrap(err, "insert device")
	})
}

// GetDevice fetches a device within the tenant. A device belonging to a
// different tenant is reported as not found, indistinguishable from a
// missing row.
func (s *Store) GetDevice(ctx context.Context, tenantID, id string) (*model.Device, error) {
	var row deviceRow
	err := s.run(ctx, "get_device", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `
			SELECT * FROM devices WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get device")
	}
	return row.toDevice()
}

// GetDeviceAnyTenant fetches a device by id without tenant filtering. Only
// the ingestion pipeline uses this to resolve the owning tenant of an
// inbound event.
func (s *Store) GetDeviceAnyTenant(ctx context.Context, id string) (*model.Device, error) {
	var row deviceRow
	err := s.run(ctx, "get_device_any_tenant", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `SELECT * FROM devices WHERE id = $1`, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get device")
	}
	return row.toDevice()
}

// ListDevices returns the tenant's devices, newest first.
func (s *Store) ListDevices(ctx context.Context, tenantID string) ([]model.Device, error) {
	var rows []deviceRow
	err := s.run(ctx, "list_devices", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM devices WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	out := make([]model.Device, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDevice()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// ListDevicesAllTenants returns every device. The OPC UA address space
// mirror uses it; the API never does.
func (s *Store) ListDevicesAllTenants(ctx context.Context) ([]model.Device, error) {
	var rows []deviceRow
	err := s.run(ctx, "list_devices_all_tenants", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM devices ORDER BY created_at`)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list all devices")
	}
	out := make([]model.Device, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDevice()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// UpdateDevice persists mutable device fields.
func (s *Store) UpdateDevice(ctx context.Context, d *model.Device) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return errors.Wrap(err, "encode device metadata")
	}
	if d.Metadata == nil {
		meta = []byte(`{}`)
	}
	return s.run(ctx, "update_device", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE devices SET name = $3, type = $4, status = $5, metadata = $6
			WHERE tenant_id = $1 AND id = $2`,
			d.TenantID, d.ID, d.Name, d.Type, d.Status, meta)
		if err != nil {
			return errors.Wrap(err, "update device")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// SetDeviceStatus updates the derived status signal of a device.
func (s *Store) SetDeviceStatus(ctx context.Context, tenantID, id string, status model.DeviceStatus) error {
	return s.run(ctx, "set_device_status", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE devices SET status = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, status)
		if err != nil {
			return errors.Wrap(err, "set device status")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// TouchDevice refreshes last_seen_at after a successful ingest.
func (s *Store) TouchDevice(ctx context.Context, tenantID, id string, seenAt time.Time) error {
	return s.run(ctx, "touch_device", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			UPDATE devices SET last_seen_at = $3, status = 'active'
			WHERE tenant_id = $1 AND id = $2 AND (last_seen_at IS NULL OR last_seen_at < $3)`,
			tenantID, id, seenAt.UTC())
		return errors.Wrap(err, "touch device")
	})
}

// DeleteDevice removes a device; telemetry rows cascade.
func (s *Store) DeleteDevice(ctx context.Context, tenantID, id string) error {
	return s.run(ctx, "delete_device", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM devices WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return errors.Wrap(err, "delete device")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// CountDevices returns the tenant's device count for quota checks.
func (s *Store) CountDevices(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.run(ctx, "count_devices", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &n, `SELECT count(*) FROM devices WHERE tenant_id = $1`, tenantID)
	})
	return n, errors.Wrap(err, "count devices")
}
