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

// Package model defines the persistent entities of the platform. Every
// tenant-scoped entity carries a TenantID; reads and writes on behalf of a
// request must be filtered or stamped by the request's tenant context.
package model

import (
	"time"
)

// Tier is the commercial tier of a tenant. It determines default resource
// caps but caps may be overridden per tenant.
type Tier string

const (
	TierFree         Tier = "free"
	TierStartup      Tier = "startup"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStartup, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// Tenant is an isolated customer partition. Nil caps mean unlimited.
type Tenant struct {
	ID                 string    `db:"id" json:"id"`
	Slug               string    `db:"slug" json:"slug"`
	Name               string    `db:"name" json:"name"`
	Tier               Tier      `db:"tier" json:"tier"`
	MaxDevices         *int64    `db:"max_devices" json:"max_devices,omitempty"`
	MaxUsers           *int64    `db:"max_users" json:"max_users,omitempty"`
	MaxTelemetryPerDay *int64    `db:"max_telemetry_per_day" json:"max_telemetry_per_day,omitempty"`
	MaxRetentionDays   *int64    `db:"max_retention_days" json:"max_retention_days,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// User is a global principal. Tenant membership is mediated by TenantUser;
// the row persists while any membership or the system-admin flag exists.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	SystemAdmin  bool      `db:"system_admin" json:"system_admin"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// TenantUser binds a user into a tenant with a role.
type TenantUser struct {
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Role        string    `db:"role" json:"role"`
	TenantAdmin bool      `db:"tenant_admin" json:"tenant_admin"`
	JoinedAt    time.Time `db:"joined_at" json:"joined_at"`
}

// DeviceStatus is a derived signal refreshed by protocol adapters.
type DeviceStatus string

const (
	DeviceActive      DeviceStatus = "active"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceActive, DeviceOffline, DeviceError, DeviceMaintenance:
		return true
	}
	return false
}

// Protocol tags a device's ingestion protocol.
type Protocol string

const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolCoAP  Protocol = "coap"
	ProtocolAMQP  Protocol = "amqp"
	ProtocolOPCUA Protocol = "opcua"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolMQTT, ProtocolCoAP, ProtocolAMQP, ProtocolOPCUA:
		return true
	}
	return false
}

// Device is a telemetry source owned by exactly one tenant.
type Device struct {
	ID         string         `db:"id" json:"id"`
	TenantID   string         `db:"tenant_id" json:"tenant_id"`
	Name       string         `db:"name" json:"name"`
	Type       string         `db:"type" json:"type"`
	Protocol   Protocol       `db:"protocol" json:"protocol"`
	Status     DeviceStatus   `db:"status" json:"status"`
	Metadata   map[string]any `db:"-" json:"metadata,omitempty"`
	LastSeenAt *time.Time     `db:"last_seen_at" json:"last_seen_at,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// TelemetryPoint is one append-only reading. Exactly one of NumericValue and
// StringValue is populated. (DeviceID, Key, Timestamp) is unique at
// millisecond grain; duplicates are idempotently dropped on insert.
type TelemetryPoint struct {
	ID             int64     `db:"id" json:"id"`
	TenantID       string    `db:"tenant_id" json:"tenant_id"`
	DeviceID       string    `db:"device_id" json:"device_id"`
	Key            string    `db:"key" json:"key"`
	NumericValue   *float64  `db:"numeric_value" json:"numeric_value,omitempty"`
	StringValue    *string   `db:"string_value" json:"string_value,omitempty"`
	Unit           *string   `db:"unit" json:"unit,omitempty"`
	Timestamp      time.Time `db:"ts" json:"timestamp"`
	IngestedAt     time.Time `db:"ingested_at" json:"ingested_at"`
	Quality        float64   `db:"quality" json:"quality"`
	Anomaly        bool      `db:"anomaly" json:"anomaly"`
	SourceProtocol Protocol  `db:"source_protocol" json:"source_protocol"`
}

// RuleType selects the condition variant of a rule.
type RuleType string

const (
	RuleThreshold   RuleType = "threshold"
	RuleComparison  RuleType = "comparison"
	RuleStatistical RuleType = "statistical"
	RuleTimeWindow  RuleType = "time_window"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleThreshold, RuleComparison, RuleStatistical, RuleTimeWindow:
		return true
	}
	return false
}

// RuleScope restricts which devices a rule evaluates against. An empty
// DeviceIDs list with TenantWide unset is invalid.
type RuleScope struct {
	TenantWide bool     `json:"tenant_wide,omitempty"`
	DeviceIDs  []string `json:"device_ids,omitempty"`
}

// Matches reports whether deviceID falls under the scope.
func (s RuleScope) Matches(deviceID string) bool {
	if s.TenantWide {
		return true
	}
	for _, id := range s.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Rule is a user-defined condition over telemetry. The condition is
// configuration data, stored as JSON and compiled by the rule engine.
type Rule struct {
	ID              string         `db:"id" json:"id"`
	TenantID        string         `db:"tenant_id" json:"tenant_id"`
	Name            string         `db:"name" json:"name"`
	Type            RuleType       `db:"type" json:"type"`
	Condition       []byte         `db:"condition" json:"-"`
	Actions         []byte         `db:"actions" json:"-"`
	Priority        int            `db:"priority" json:"priority"`
	Enabled         bool           `db:"enabled" json:"enabled"`
	CooldownSeconds int            `db:"cooldown_seconds" json:"cooldown_seconds"`
	IntervalSeconds int            `db:"interval_seconds" json:"interval_seconds"`
	Scope           RuleScope      `db:"-" json:"scope"`
	LastEvaluatedAt *time.Time     `db:"last_evaluated_at" json:"last_evaluated_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Severity orders alerts from critical (most urgent) down to info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// SeverityFromPriority maps a rule priority to an alert severity. Priorities
// are small integers, higher first.
func SeverityFromPriority(p int) Severity {
	switch {
	case p >= 5:
		return SeverityCritical
	case p == 4:
		return SeverityHigh
	case p == 3:
		return SeverityMedium
	case p == 2:
		return SeverityLow
	}
	return SeverityInfo
}

// SLATargets returns the time-to-acknowledge and time-to-resolve targets in
// minutes for the severity.
func (s Severity) SLATargets() (ttaMinutes, ttrMinutes int) {
	switch s {
	case SeverityCritical:
		return 5, 30
	case SeverityHigh:
		return 15, 120
	case SeverityMedium:
		return 60, 480
	case SeverityLow:
		return 240, 1440
	}
	return 1440, 10080
}

// Alert is a user-visible event instance. RuleID is nil for alerts created
// through the API rather than by the rule engine. When GroupedAlertID is
// non-nil the row is a shadow of the representative alert identified by it.
type Alert struct {
	ID                 string         `db:"id" json:"id"`
	TenantID           string         `db:"tenant_id" json:"tenant_id"`
	DeviceID           string         `db:"device_id" json:"device_id"`
	RuleID             *string        `db:"rule_id" json:"rule_id,omitempty"`
	Severity           Severity       `db:"severity" json:"severity"`
	Message            string         `db:"message" json:"message"`
	Metadata           map[string]any `db:"-" json:"metadata,omitempty"`
	EscalationPolicyID *string        `db:"escalation_policy_id" json:"escalation_policy_id,omitempty"`
	EscalationTier     int            `db:"escalation_tier" json:"escalation_tier"`
	LastEscalationAt   *time.Time     `db:"last_escalation_at" json:"last_escalation_at,omitempty"`
	GroupedAlertID     *string        `db:"grouped_alert_id" json:"grouped_alert_id,omitempty"`
	DuplicateCount     int            `db:"duplicate_count" json:"duplicate_count"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
}

// AlertStateValue enumerates the alert lifecycle states.
type AlertStateValue string

const (
	StateNew           AlertStateValue = "new"
	StateAcknowledged  AlertStateValue = "acknowledged"
	StateInvestigating AlertStateValue = "investigating"
	StateResolved      AlertStateValue = "resolved"
)

// ActiveStates are the states during which an alert still suppresses
// cooldown re-emission and remains eligible for escalation.
var ActiveStates = []AlertStateValue{StateNew, StateAcknowledged, StateInvestigating}

// AlertState is one append-only row of an alert's state history. The current
// state is the latest row by ChangedAt.
type AlertState struct {
	ID        string          `db:"id" json:"id"`
	AlertID   string          `db:"alert_id" json:"alert_id"`
	State     AlertStateValue `db:"state" json:"state"`
	ChangedBy string          `db:"changed_by" json:"changed_by"`
	ChangedAt time.Time       `db:"changed_at" json:"changed_at"`
	Note      *string         `db:"note" json:"note,omitempty"`
}

// GroupStatus is the lifecycle of an AlertGroup.
type GroupStatus string

const (
	GroupActive GroupStatus = "active"
	GroupClosed GroupStatus = "closed"
)

// AlertGroup deduplicates repeat alerts sharing a group key. RuleID is nil
// for externally-created alerts, in which case SourceKey disambiguates. At
// most one active group exists per key.
type AlertGroup struct {
	ID                    string      `db:"id" json:"id"`
	TenantID              string      `db:"tenant_id" json:"tenant_id"`
	DeviceID              string      `db:"device_id" json:"device_id"`
	RuleID                *string     `db:"rule_id" json:"rule_id,omitempty"`
	SourceKey             *string     `db:"source_key" json:"source_key,omitempty"`
	Severity              Severity    `db:"severity" json:"severity"`
	FirstOccurrenceAt     time.Time   `db:"first_occurrence_at" json:"first_occurrence_at"`
	LastOccurrenceAt      time.Time   `db:"last_occurrence_at" json:"last_occurrence_at"`
	OccurrenceCount       int         `db:"occurrence_count" json:"occurrence_count"`
	Status                GroupStatus `db:"status" json:"status"`
	RepresentativeAlertID string      `db:"representative_alert_id" json:"representative_alert_id"`
}

// EscalationTier is one step of an escalation policy. Targets are either
// "user:<id>" or "oncall:<schedule id>"; channels are "email", "sms" or
// "webhook:<name>".
type EscalationTier struct {
	DelayMinutes int      `json:"delay_minutes"`
	Targets      []string `json:"targets"`
	Channels     []string `json:"channels"`
}

// EscalationPolicy is an ordered tier list applied to alerts whose severity
// is listed in Severities.
type EscalationPolicy struct {
	ID         string           `db:"id" json:"id"`
	TenantID   string           `db:"tenant_id" json:"tenant_id"`
	Name       string           `db:"name" json:"name"`
	Tiers      []EscalationTier `db:"-" json:"tiers"`
	Severities []Severity       `db:"-" json:"severities"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}

// RotationKind selects how an on-call schedule rotates.
type RotationKind string

const (
	RotationWeekly RotationKind = "weekly"
	RotationDaily  RotationKind = "daily"
	RotationCustom RotationKind = "custom"
)

// RotationRange is one explicit range of a custom rotation. Dates are local
// to the schedule's timezone, inclusive start, exclusive end.
type RotationRange struct {
	Start  string `json:"start"` // YYYY-MM-DD
	End    string `json:"end"`   // YYYY-MM-DD
	UserID string `json:"user_id"`
}

// Rotation is the rotation spec of a schedule. Users is the rotation order
// for weekly/daily kinds; Ranges is used by the custom kind.
type Rotation struct {
	Kind   RotationKind    `json:"kind"`
	Users  []string        `json:"users,omitempty"`
	Ranges []RotationRange `json:"ranges,omitempty"`
}

// OnCallSchedule deterministically maps any instant to at most one user.
// Overrides maps a local date (YYYY-MM-DD) to a user id and wins over the
// rotation.
type OnCallSchedule struct {
	ID        string            `db:"id" json:"id"`
	TenantID  string            `db:"tenant_id" json:"tenant_id"`
	Name      string            `db:"name" json:"name"`
	Rotation  Rotation          `db:"-" json:"rotation"`
	Overrides map[string]string `db:"-" json:"overrides,omitempty"`
	Timezone  string            `db:"timezone" json:"timezone"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// AlertSLA tracks acknowledge/resolve targets for one alert. Actuals are in
// minutes, rounded up. Created atomically with the alert.
type AlertSLA struct {
	AlertID          string    `db:"alert_id" json:"alert_id"`
	Severity         Severity  `db:"severity" json:"severity"`
	TTATargetMinutes int       `db:"tta_target_minutes" json:"tta_target_minutes"`
	TTRTargetMinutes int       `db:"ttr_target_minutes" json:"ttr_target_minutes"`
	TTAActualMinutes *int      `db:"tta_actual_minutes" json:"tta_actual_minutes,omitempty"`
	TTRActualMinutes *int      `db:"ttr_actual_minutes" json:"ttr_actual_minutes,omitempty"`
	TTABreached      bool      `db:"tta_breached" json:"tta_breached"`
	TTRBreached      bool      `db:"ttr_breached" json:"ttr_breached"`
	TTABreachSent    bool      `db:"tta_breach_sent" json:"-"`
	TTRBreachSent    bool      `db:"ttr_breach_sent" json:"-"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}
