package conflict

import "github.com/Guizzs26/go-offline-sync/internal/models"

func defaultStrategies() map[models.EntityType]models.ConflictResolution {
	return map[models.EntityType]models.ConflictResolution{
		models.EntityAddress:     models.ClientWins,
		models.EntityDelivery:    models.ClientWins,
		models.EntityUserProfile: models.ServerWins,
	}
}

// RecommendedStrategy returns the default resolution for a conflict on entityType.
// A version conflict always resolves in favour of the server.
func (d *Detector) RecommendedStrategy(t Type, entityType models.EntityType) models.ConflictResolution {
	if t == Version {
		return models.ServerWins
	}
	if s, ok := d.strategies[entityType]; ok {
		return s
	}
	return models.ClientWins
}

// StrategyFor picks the policy for op: its explicit choice if set, otherwise the recommendation.
func (d *Detector) StrategyFor(op *models.SyncOperation, r Result) models.ConflictResolution {
	if op.ConflictResolution.Valid() {
		return op.ConflictResolution
	}
	return d.RecommendedStrategy(r.Type, op.EntityType)
}
