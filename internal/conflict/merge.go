package conflict

import "github.com/Guizzs26/go-offline-sync/internal/models"

// Resolve computes the partial document to write for an update given the chosen
// strategy. The boolean is false when nothing should be written (server wins).
//
// Merge is three-way: fields the client left unchanged since its base version
// keep the remote value; fields it changed take the local value. Without a base
// it degrades to client wins.
func Resolve(strategy models.ConflictResolution, r Result, op *models.SyncOperation, remote models.Payload) (models.Payload, bool) {
	local := op.Payload()
	if !r.IsConflict {
		return local.Clone(), true
	}

	switch strategy {
	case models.ServerWins:
		return models.Payload{}, false

	case models.Merge:
		if op.PreviousVersion == nil {
			return local.Clone(), true
		}
		base := *op.PreviousVersion
		out := models.NewPayload()
		local.Range(func(field string, v models.Value) bool {
			baseValue, inBase := base.Get(field)
			remoteValue, inRemote := remote.Get(field)
			if inBase && inRemote && baseValue.Equal(v) {
				out.Set(field, remoteValue.Clone())
				return true
			}
			out.Set(field, v.Clone())
			return true
		})
		return out, true

	default:
		return local.Clone(), true
	}
}
