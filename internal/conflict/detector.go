// Package conflict decides whether a pending mutation collides with the current
// remote state and which resolution policy applies. Everything here is pure.
package conflict

import (
	"fmt"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

type Type string

const (
	None       Type = "none"
	Timestamp  Type = "timestampConflict"
	Version    Type = "versionConflict"
	FieldValue Type = "fieldValueConflict"
)

const DefaultTolerance = 5 * time.Second

// FieldDiff is the local and remote value of one conflicting field.
type FieldDiff struct {
	Local  models.Value `json:"local"`
	Remote models.Value `json:"remote"`
}

type Details struct {
	EntityType      models.EntityType    `json:"entityType"`
	EntityID        string               `json:"entityId"`
	LocalTimestamp  *time.Time           `json:"localTimestamp,omitempty"`
	RemoteTimestamp *time.Time           `json:"remoteTimestamp,omitempty"`
	TimeDifference  time.Duration        `json:"timeDifference,omitempty"`
	Tolerance       time.Duration        `json:"tolerance,omitempty"`
	LocalVersion    *models.Value        `json:"localVersion,omitempty"`
	RemoteVersion   *models.Value        `json:"remoteVersion,omitempty"`
	Fields          map[string]FieldDiff `json:"conflictingFields,omitempty"`
}

type Result struct {
	IsConflict bool    `json:"isConflict"`
	Type       Type    `json:"conflictType"`
	Message    string  `json:"message"`
	Details    Details `json:"details"`
}

func noConflict(msg string) Result {
	return Result{Type: None, Message: msg}
}

// timestampFields are checked in priority order when extracting the remote timestamp.
var timestampFields = []string{
	models.FieldUpdatedAt,
	models.FieldCreatedAt,
	models.FieldTimestamp,
	models.FieldLastModified,
}

var bookkeepingFields = map[string]struct{}{
	models.FieldVersion:      {},
	models.FieldUpdatedAt:    {},
	models.FieldCreatedAt:    {},
	models.FieldTimestamp:    {},
	models.FieldLastModified: {},
}

// AnyEntity registers critical fields that apply to every entity type.
const AnyEntity models.EntityType = "*"

// Detector holds the tolerance and critical-field configuration.
type Detector struct {
	tolerance      time.Duration
	criticalFields map[models.EntityType][]string
	strategies     map[models.EntityType]models.ConflictResolution
}

type Option func(*Detector)

func WithTolerance(d time.Duration) Option {
	return func(det *Detector) {
		if d >= 0 {
			det.tolerance = d
		}
	}
}

// WithCriticalFields marks fields that are always compared for entityType.
func WithCriticalFields(entityType models.EntityType, fields ...string) Option {
	return func(det *Detector) {
		det.criticalFields[entityType] = append(det.criticalFields[entityType], fields...)
	}
}

// WithStrategy overrides the recommended resolution for an entity type.
func WithStrategy(entityType models.EntityType, r models.ConflictResolution) Option {
	return func(det *Detector) {
		det.strategies[entityType] = r
	}
}

func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		tolerance:      DefaultTolerance,
		criticalFields: make(map[models.EntityType][]string),
		strategies:     defaultStrategies(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) Tolerance() time.Duration {
	return d.tolerance
}

// NeedsDetection reports whether op must go through Detect before committing.
func NeedsDetection(op *models.SyncOperation) bool {
	return op != nil && op.OperationType == models.OpUpdate
}

// Detect compares op against the current remote document.
func (d *Detector) Detect(op *models.SyncOperation, remote models.Payload) Result {
	if op == nil || remote.IsEmpty() {
		return noConflict("No data to compare")
	}
	if !NeedsDetection(op) {
		return noConflict("Conflict detection not required")
	}

	local := op.CreatedAt
	remoteTS, hasRemoteTS := ExtractTimestamp(remote)

	if local.IsZero() || !hasRemoteTS {
		if remote.Has(models.FieldVersion) {
			return d.detectVersion(op, remote)
		}
		return d.detectFieldValue(op, remote)
	}

	diff := local.Sub(remoteTS)
	if abs(diff) > d.tolerance {
		return noConflict("No conflict detected")
	}

	return Result{
		IsConflict: true,
		Type:       Timestamp,
		Message: fmt.Sprintf("Timestamp conflict detected: operation=%s, server=%s, diff=%d ms",
			local.Format(time.RFC3339Nano), remoteTS.Format(time.RFC3339Nano), diff.Milliseconds()),
		Details: Details{
			EntityType:      op.EntityType,
			EntityID:        op.EntityID,
			LocalTimestamp:  models.TimePtr(local),
			RemoteTimestamp: models.TimePtr(remoteTS),
			TimeDifference:  diff,
			Tolerance:       d.tolerance,
			Fields:          d.ConflictingFields(op, remote),
		},
	}
}

func (d *Detector) detectVersion(op *models.SyncOperation, remote models.Payload) Result {
	remoteVersion, _ := remote.Get(models.FieldVersion)
	localVersion, ok := op.Payload().Get(models.FieldVersion)
	if !ok {
		return noConflict("No version information on operation")
	}

	newer, reason := RemoteIsNewer(localVersion, remoteVersion)
	if !newer {
		return noConflict("No version conflict detected")
	}

	return Result{
		IsConflict: true,
		Type:       Version,
		Message:    reason,
		Details: Details{
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			LocalVersion:  &localVersion,
			RemoteVersion: &remoteVersion,
			Fields:        d.ConflictingFields(op, remote),
		},
	}
}

func (d *Detector) detectFieldValue(op *models.SyncOperation, remote models.Payload) Result {
	fields := d.ConflictingFields(op, remote)
	if len(fields) == 0 {
		return noConflict("No field value conflicts detected")
	}
	return Result{
		IsConflict: true,
		Type:       FieldValue,
		Message: fmt.Sprintf("Field value conflict detected: %d conflicting fields for entity %s/%s",
			len(fields), op.EntityType, op.EntityID),
		Details: Details{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Fields:     fields,
		},
	}
}

// ConflictingFields collects payload fields present on both sides with differing
// values, plus configured critical fields. Fields new to the remote never conflict. A critical field missing from the
// payload is compared using the operation's previous version as the local side.
func (d *Detector) ConflictingFields(op *models.SyncOperation, remote models.Payload) map[string]FieldDiff {
	out := make(map[string]FieldDiff)
	data := op.Payload()

	data.Range(func(field string, local models.Value) bool {
		if _, skip := bookkeepingFields[field]; skip {
			return true
		}
		remoteValue, ok := remote.Get(field)
		if ok && !local.Equal(remoteValue) {
			out[field] = FieldDiff{Local: local, Remote: remoteValue}
		}
		return true
	})

	for _, field := range d.critical(op.EntityType) {
		if _, seen := out[field]; seen {
			continue
		}
		remoteValue, ok := remote.Get(field)
		if !ok {
			continue
		}
		local, ok := data.Get(field)
		if !ok && op.PreviousVersion != nil {
			local, ok = op.PreviousVersion.Get(field)
		}
		if ok && !local.Equal(remoteValue) {
			out[field] = FieldDiff{Local: local, Remote: remoteValue}
		}
	}
	return out
}

func (d *Detector) critical(entityType models.EntityType) []string {
	fields := append([]string(nil), d.criticalFields[AnyEntity]...)
	return append(fields, d.criticalFields[entityType]...)
}

// ExtractTimestamp returns the first timestamp-bearing field of doc in priority order.
// A present but unusable field stops the search.
func ExtractTimestamp(doc models.Payload) (time.Time, bool) {
	for _, field := range timestampFields {
		v, ok := doc.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		return v.Timestamp()
	}
	return time.Time{}, false
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
