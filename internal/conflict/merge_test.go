package conflict

import (
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	conflict := Result{IsConflict: true, Type: Timestamp}
	remote := models.PayloadOf("street", "Remote St", "notes", "remote note")

	t.Run("server wins writes nothing", func(t *testing.T) {
		op := updateOp(time.Now(), models.PayloadOf("street", "Local St"))
		_, write := Resolve(models.ServerWins, conflict, op, remote)
		assert.False(t, write)
	})

	t.Run("no conflict writes local payload", func(t *testing.T) {
		op := updateOp(time.Now(), models.PayloadOf("street", "Local St"))
		out, write := Resolve(models.ServerWins, Result{Type: None}, op, remote)
		require.True(t, write)
		v, _ := out.Get("street")
		assert.True(t, v.Equal(models.String("Local St")))
	})

	t.Run("three way merge", func(t *testing.T) {
		op := updateOp(time.Now(), models.PayloadOf("street", "Local St", "notes", "old note"))
		base := models.PayloadOf("street", "Old St", "notes", "old note")
		op.PreviousVersion = &base

		out, write := Resolve(models.Merge, conflict, op, remote)
		require.True(t, write)

		street, _ := out.Get("street")
		notes, _ := out.Get("notes")
		assert.True(t, street.Equal(models.String("Local St")), "client changed street")
		assert.True(t, notes.Equal(models.String("remote note")), "client kept notes, remote wins")
	})
}

func TestNextVersion(t *testing.T) {
	v, ok := NextVersion(models.PayloadOf("version", 4))
	require.True(t, ok)
	assert.True(t, v.Equal(models.Int(5)))

	v, ok = NextVersion(models.NewPayload())
	require.True(t, ok)
	assert.True(t, v.Equal(models.Int(1)))

	_, ok = NextVersion(models.PayloadOf("version", "1.2.0"))
	assert.False(t, ok)
}
