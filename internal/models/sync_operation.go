package models

import (
	"time"
)

type OperationType string

const (
	OpCreate    OperationType = "create"
	OpUpdate    OperationType = "update"
	OpDelete    OperationType = "delete"
	OpUpdateTip OperationType = "updateTip"
)

// EntityType tags the domain record an operation mutates.
type EntityType string

const (
	EntityUserProfile        EntityType = "userProfile"
	EntitySubscriptionRecord EntityType = "subscriptionRecord"
	EntityAddress            EntityType = "address"
	EntityDelivery           EntityType = "delivery"
	EntityUserDevice         EntityType = "userDevice"
)

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "inProgress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusRetrying   OperationStatus = "retrying"
)

// IsActive reports whether an operation in this status still counts as pending work.
func (s OperationStatus) IsActive() bool {
	return s == StatusPending || s == StatusRetrying || s == StatusInProgress
}

// ConflictResolution is the policy applied when a conflict is detected.
type ConflictResolution string

const (
	ServerWins ConflictResolution = "serverWins"
	ClientWins ConflictResolution = "clientWins"
	Merge      ConflictResolution = "merge"
)

func (c ConflictResolution) Valid() bool {
	return c == ServerWins || c == ClientWins || c == Merge
}

const (
	DefaultMaxAttempts = 3
	DefaultPriority    = 0
)

// Fields with bookkeeping meaning inside payloads and remote documents.
const (
	FieldVersion      = "version"
	FieldUpdatedAt    = "updatedAt"
	FieldCreatedAt    = "createdAt"
	FieldTimestamp    = "timestamp"
	FieldLastModified = "lastModified"
	FieldTipAmount    = "tipAmount"
	FieldUserID       = "userId"
)

// OperationError records the last failure of an operation.
type OperationError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncOperation is a durable intent to mutate one entity in the remote store.
type SyncOperation struct {
	OperationID        string             `json:"operationId"`
	UserID             string             `json:"userId"`
	DeviceID           string             `json:"deviceId"`
	OperationType      OperationType      `json:"operationType"`
	EntityType         EntityType         `json:"entityType"`
	EntityID           string             `json:"entityId,omitempty"`
	Data               *Payload           `json:"data,omitempty"`
	PreviousVersion    *Payload           `json:"previousVersion,omitempty"`
	ConflictResolution ConflictResolution `json:"conflictResolution,omitempty"`
	Status             OperationStatus    `json:"status"`
	Attempts           int                `json:"attempts"`
	MaxAttempts        int                `json:"maxAttempts"`
	Priority           int                `json:"priority"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	LastAttemptTime    *time.Time         `json:"lastAttemptTime,omitempty"`
	NextAttemptTime    *time.Time         `json:"nextAttemptTime,omitempty"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
	Error              *OperationError    `json:"error,omitempty"`

	// Conflict outcome of the last dispatch, if any.
	ConflictType string `json:"conflictType,omitempty"`
}

// Clone returns a deep copy so callers never share payloads with the queue.
func (op *SyncOperation) Clone() *SyncOperation {
	if op == nil {
		return nil
	}
	c := *op
	if op.Data != nil {
		d := op.Data.Clone()
		c.Data = &d
	}
	if op.PreviousVersion != nil {
		pv := op.PreviousVersion.Clone()
		c.PreviousVersion = &pv
	}
	c.LastAttemptTime = cloneTime(op.LastAttemptTime)
	c.NextAttemptTime = cloneTime(op.NextAttemptTime)
	c.CompletedAt = cloneTime(op.CompletedAt)
	if op.Error != nil {
		e := *op.Error
		c.Error = &e
	}
	return &c
}

// Payload returns the operation data, or an empty payload for deletes.
func (op *SyncOperation) Payload() Payload {
	if op.Data == nil {
		return NewPayload()
	}
	return *op.Data
}

// CanRetry reports whether another dispatch attempt is allowed.
func (op *SyncOperation) CanRetry() bool {
	return op.Attempts < op.MaxAttempts
}

// EntityKey identifies the entity for per-entity serialization and history.
func (op *SyncOperation) EntityKey() string {
	return string(op.EntityType) + "/" + op.EntityID
}

// ByDispatchOrder sorts by priority descending, then oldest first.
func ByDispatchOrder(a, b *SyncOperation) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time {
	return &t
}
