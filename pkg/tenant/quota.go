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

package tenant

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

// Resource names a quota-limited tenant resource.
type Resource string

const (
	ResourceDevices Resource = "devices"
	ResourceUsers   Resource = "users"
)

// QuotaGuard serializes check-then-create sequences per (tenant, resource)
// so two concurrent creates cannot both pass a cap of n-1. Telemetry volume
// is not handled here; the store enforces it under an advisory lock in the
// insert transaction.
type QuotaGuard struct {
	store *store.Store

	mtx   sync.Mutex
	locks map[string]*sync.Mutex
}

// NewQuotaGuard builds a guard over the given store.
func NewQuotaGuard(st *store.Store) *QuotaGuard {
	return &QuotaGuard{store: st, locks: map[string]*sync.Mutex{}}
}

func (g *QuotaGuard) lock(tenantID string, r Resource) *sync.Mutex {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	key := tenantID + "/" + string(r)
	m, ok := g.locks[key]
	if !ok {
		m = &sync.Mutex{}
		g.locks[key] = m
	}
	return m
}

// Reserve runs create under the per-(tenant, resource) lock after verifying
// the current count is below the cap. A nil cap means unlimited.
func (g *QuotaGuard) Reserve(ctx context.Context, tenantID string, r Resource, cap *int64, create func(context.Context) error) error {
	m := g.lock(tenantID, r)
	m.Lock()
	defer m.Unlock()

	if cap != nil {
		var (
			n   int64
			err error
		)
		switch r {
		case ResourceDevices:
			n, err = g.store.CountDevices(ctx, tenantID)
		case ResourceUsers:
			n, err = g.store.CountMemberships(ctx, tenantID)
		default:
			return errors.Errorf("unknown quota resource %q", r)
		}
		if err != nil {
			return err
		}
		if n >= *cap {
			return errors.Wrapf(platform.ErrQuotaExceeded, "%s cap %d reached", r, *cap)
		}
	}
	return create(ctx)
}
