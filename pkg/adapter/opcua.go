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

package adapter

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

// opcuaMirrorInterval is how often recent telemetry is mirrored into the
// address space so subscribing clients see updates without polling the
// database.
const opcuaMirrorInterval = 5 * time.Second

// OPCUAConfig carries server settings.
type OPCUAConfig struct {
	Host      string
	Port      int
	Namespace string
}

// OPCUA exposes registered devices as an OPC UA address space: one folder
// per device with property and telemetry variables, plus a writable Status
// variable that applies validated status changes.
type OPCUA struct {
	logger log.Logger
	cfg    OPCUAConfig
	store  *store.Store
	status StatusSink
	clock  clock.Clock

	srv *server.Server
	ns  *server.NodeNameSpace

	// devices maps device id to its variable nodes.
	devices map[string]*deviceNodes
}

type deviceNodes struct {
	tenantID  string
	folder    *server.Node
	status    *server.Node
	variables map[string]*server.Node
	// lastStatus detects external writes to the Status variable.
	lastStatus model.DeviceStatus
}

// NewOPCUA builds the adapter.
func NewOPCUA(logger log.Logger, cfg OPCUAConfig, st *store.Store, status StatusSink) *OPCUA {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Port == 0 {
		cfg.Port = 4840
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "INSA Advanced IIoT Platform"
	}
	return &OPCUA{
		logger:  logger,
		cfg:     cfg,
		store:   st,
		status:  status,
		clock:   clock.RealClock{},
		devices: map[string]*deviceNodes{},
	}
}

// ValidStatusInput reports whether a written status string is one of the
// accepted device states.
func ValidStatusInput(s string) bool {
	return model.DeviceStatus(s).Valid()
}

// Run starts the server and the mirror task until ctx is cancelled.
func (o *OPCUA) Run(ctx context.Context) error {
	o.srv = server.New(
		server.EndPoint(o.cfg.Host, o.cfg.Port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)
	o.ns = server.NewNodeNameSpace(o.srv, o.cfg.Namespace)

	if err := o.srv.Start(ctx); err != nil {
		return errors.Wrap(err, "opcua start")
	}
	defer func() { _ = o.srv.Close() }()
	_ = level.Info(o.logger).Log("msg", "opcua listening", "port", o.cfg.Port, "namespace", o.cfg.Namespace)

	ticker := time.NewTicker(opcuaMirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.mirror(ctx)
		}
	}
}

// mirror refreshes the address space from the store: new devices gain
// folders, recent telemetry lands in variables, external Status writes are
// applied back to the device rows.
func (o *OPCUA) mirror(ctx context.Context) {
	if !o.store.Healthy() {
		// Pausing the sync is this adapter's backpressure.
		return
	}
	devices, err := o.store.ListDevicesAllTenants(ctx)
	if err != nil {
		_ = level.Warn(o.logger).Log("msg", "opcua device listing failed", "err", err)
		return
	}
	for _, d := range devices {
		nodes, ok := o.devices[d.ID]
		if !ok {
			nodes = o.addDevice(d)
			o.devices[d.ID] = nodes
		}
		o.applyStatusWrite(ctx, d, nodes)
		o.mirrorTelemetry(ctx, d, nodes)
	}
}

// addDevice builds the device folder with its property and status nodes.
func (o *OPCUA) addDevice(d model.Device) *deviceNodes {
	folder := o.ns.AddNewVariableNode(d.ID, d.Name)
	o.ns.Objects().AddRef(folder, id.HasComponent, true)

	for name, value := range map[string]string{
		"id":       d.ID,
		"type":     d.Type,
		"protocol": string(d.Protocol),
	} {
		prop := o.ns.AddNewVariableNode(d.ID+"."+name, value)
		folder.AddRef(prop, id.HasProperty, true)
	}
	status := o.ns.AddNewVariableNode(d.ID+".status", string(d.Status))
	folder.AddRef(status, id.HasComponent, true)

	return &deviceNodes{
		tenantID:   d.TenantID,
		folder:     folder,
		status:     status,
		variables:  map[string]*server.Node{},
		lastStatus: d.Status,
	}
}

// applyStatusWrite pushes client-written status values into the device row.
// Invalid values are reverted to the stored status.
func (o *OPCUA) applyStatusWrite(ctx context.Context, d model.Device, nodes *deviceNodes) {
	written, ok := nodes.status.Value().Value.Value().(string)
	if !ok {
		return
	}
	if written == string(nodes.lastStatus) {
		// No external write; mirror the stored value outward.
		if d.Status != nodes.lastStatus {
			nodes.status.SetAttribute(ua.AttributeIDValue, server.DataValueFromValue(string(d.Status)))
			nodes.lastStatus = d.Status
		}
		return
	}
	if !ValidStatusInput(written) {
		_ = level.Warn(o.logger).Log("msg", "rejecting invalid opcua status write", "device", d.ID, "status", written)
		nodes.status.SetAttribute(ua.AttributeIDValue, server.DataValueFromValue(string(nodes.lastStatus)))
		return
	}
	if err := o.status.SetStatus(ctx, d.ID, model.DeviceStatus(written)); err != nil {
		_ = level.Warn(o.logger).Log("msg", "opcua status update failed", "device", d.ID, "err", err)
		nodes.status.SetAttribute(ua.AttributeIDValue, server.DataValueFromValue(string(nodes.lastStatus)))
		return
	}
	nodes.lastStatus = model.DeviceStatus(written)
}

// mirrorTelemetry writes the latest reading per key into the device's
// telemetry variables.
func (o *OPCUA) mirrorTelemetry(ctx context.Context, d model.Device, nodes *deviceNodes) {
	points, err := o.store.RecentPoints(ctx, nodes.tenantID, d.ID, 32)
	if err != nil {
		_ = level.Debug(o.logger).Log("msg", "opcua telemetry mirror failed", "device", d.ID, "err", err)
		return
	}
	for _, p := range points {
		var value any
		switch {
		case p.NumericValue != nil:
			value = *p.NumericValue
		case p.StringValue != nil:
			value = *p.StringValue
		default:
			continue
		}
		node, ok := nodes.variables[p.Key]
		if !ok {
			node = o.ns.AddNewVariableNode(d.ID+".telemetry."+p.Key, value)
			nodes.folder.AddRef(node, id.HasComponent, true)
			nodes.variables[p.Key] = node
			continue
		}
		node.SetAttribute(ua.AttributeIDValue, server.DataValueFromValue(value))
	}
}
