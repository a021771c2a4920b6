package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *db.SQLiteOperationStore {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenSQLiteOperationStore(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	data := models.PayloadOf("tipAmount", 5)
	for _, op := range []*models.SyncOperation{
		{OperationID: "p1", Status: models.StatusPending, CreatedAt: now},
		{OperationID: "f1", Status: models.StatusFailed, Attempts: 3, CreatedAt: now,
			Error: &models.OperationError{Code: "NETWORK_ERROR", Message: "offline", Timestamp: now}},
		{OperationID: "c1", Status: models.StatusCompleted, CreatedAt: old, CompletedAt: &old},
	} {
		op.UserID = "u1"
		op.DeviceID = "d1"
		op.OperationType = models.OpUpdateTip
		op.EntityType = models.EntityDelivery
		op.EntityID = "42"
		op.Data = &data
		op.MaxAttempts = 3
		op.UpdatedAt = op.CreatedAt
		require.NoError(t, store.Save(ctx, op))
	}
	return store
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	var out bytes.Buffer
	require.NoError(t, runCommand(ctx, &out, store, "u1", []string{"list", "-status", "failed"}))
	assert.Contains(t, out.String(), "f1")
	assert.Contains(t, out.String(), "NETWORK_ERROR")
	assert.NotContains(t, out.String(), "p1")

	out.Reset()
	require.NoError(t, runCommand(ctx, &out, store, "u1", []string{"history", "delivery", "42"}))
	assert.Contains(t, out.String(), "c1")

	out.Reset()
	require.NoError(t, runCommand(ctx, &out, store, "u1", []string{"retry", "f1"}))
	op, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Zero(t, op.Attempts)

	require.NoError(t, runCommand(ctx, &out, store, "u1", []string{"cancel", "p1"}))
	_, err = store.Get(ctx, "p1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	out.Reset()
	require.NoError(t, runCommand(ctx, &out, store, "u1", []string{"purge", "-older-than", "24h"}))
	assert.Equal(t, "1 completed operation(s) purged\n", out.String())

	out.Reset()
	require.NoError(t, runCommand(ctx, &out, store, "u1", []string{"show", "f1"}))
	assert.Contains(t, out.String(), `"operationId": "f1"`)
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	var out bytes.Buffer

	assert.Error(t, runCommand(ctx, &out, store, "u1", []string{"frobnicate"}))
	assert.Error(t, runCommand(ctx, &out, store, "u1", []string{"show"}))

	err := runCommand(ctx, &out, store, "u2", []string{"cancel", "p1"})
	assert.True(t, apperrors.Is(err, apperrors.CodeSecurity))

	err = runCommand(ctx, &out, store, "u1", []string{"retry", "p1"})
	assert.True(t, apperrors.Is(err, apperrors.CodeIllegalState))
}
