package services

import (
	"testing"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trusted(playerID, commitment string, at time.Time) *models.TrustedState {
	return &models.TrustedState{
		PlayerID:        playerID,
		StateCommitment: commitment,
		SubmittedAt:     at,
	}
}

func TestReconcileIdenticalCommitments(t *testing.T) {
	r := NewReconciler()
	now := time.Now()

	res := r.Reconcile(3, trusted("alice", "c1", now), trusted("bob", "c1", now.Add(time.Second)))

	require.NotNil(t, res.Canonical)
	assert.False(t, res.Desync)
	assert.Equal(t, "alice", res.Canonical.PlayerID)
}

func TestReconcileDesyncPicksEarlierSubmission(t *testing.T) {
	r := NewReconciler()
	now := time.Now()

	res := r.Reconcile(3, trusted("alice", "c1", now.Add(time.Second)), trusted("bob", "c2", now))

	require.NotNil(t, res.Canonical)
	assert.True(t, res.Desync)
	assert.Equal(t, "bob", res.Canonical.PlayerID)
}

func TestReconcileDesyncTieKeepsFirstSeat(t *testing.T) {
	r := NewReconciler()
	now := time.Now()

	res := r.Reconcile(3, trusted("alice", "c1", now), trusted("bob", "c2", now))

	require.NotNil(t, res.Canonical)
	assert.True(t, res.Desync)
	assert.Equal(t, "alice", res.Canonical.PlayerID)
}

func TestReconcileMissingSubmissions(t *testing.T) {
	r := NewReconciler()
	now := time.Now()

	res := r.Reconcile(1, nil, trusted("bob", "c2", now))
	require.NotNil(t, res.Canonical)
	assert.Equal(t, "bob", res.Canonical.PlayerID)
	assert.False(t, res.Desync, "a single submission is not a desync")

	res = r.Reconcile(1, nil, nil)
	assert.Nil(t, res.Canonical)
	assert.False(t, res.Desync)
}
