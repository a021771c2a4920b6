package models

import "time"

type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
	SyncOffline SyncState = "offline"
)

// SyncStatus is the aggregate state of the engine. Values are copies; the
// authoritative instance is owned by status.Tracker.
type SyncStatus struct {
	Online                bool       `json:"online"`
	Status                SyncState  `json:"status"`
	PendingOperations     int        `json:"pendingOperations"`
	FailedOperations      int        `json:"failedOperations"`
	LastSyncTime          *time.Time `json:"lastSyncTime,omitempty"`
	LastError             string     `json:"lastError,omitempty"`
	BackgroundSyncEnabled bool       `json:"backgroundSyncEnabled"`
}

// DeviceSyncRecord is written to the remote store after each drain pass.
type DeviceSyncRecord struct {
	UserID            string
	DeviceID          string
	LastSyncTime      *time.Time
	LastActive        time.Time
	Status            SyncState
	PendingOperations int
	LastError         string
}

// ToPayload renders the record as a remote document.
func (r DeviceSyncRecord) ToPayload() Payload {
	p := NewPayload()
	p.Set(FieldUserID, String(r.UserID))
	p.Set("deviceId", String(r.DeviceID))
	if r.LastSyncTime != nil {
		p.Set("lastSyncTime", Time(*r.LastSyncTime))
	}
	p.Set("lastActive", Time(r.LastActive))

	syncStatus := NewPayload()
	syncStatus.Set("lastSyncStatus", String(string(r.Status)))
	syncStatus.Set("lastSyncError", String(r.LastError))
	syncStatus.Set("pendingOperations", Int(int64(r.PendingOperations)))
	p.Set("syncStatus", Map(syncStatus))
	return p
}
