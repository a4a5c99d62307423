// services/reconciler.go
package services

import (
	"log"

	"github.com/ZkNoid/wizard-battle-sub004/models"
)

// ReconcileResult is the outcome of comparing both players' post-effects
// state commitments for one turn.
type ReconcileResult struct {
	Canonical *models.TrustedState
	Desync    bool
}

// Reconciler resolves the two TrustedStates of a turn into one canonical
// state. The server never recomputes game logic; it only arbitrates between
// the two client-computed commitments.
type Reconciler struct{}

func NewReconciler() *Reconciler { return &Reconciler{} }

// Reconcile compares the commitments of a (player[0]) and b (player[1]).
// Identical commitments are canonical as-is. Differing commitments mean a
// desync (logic bug or tampering): neither side is trusted blindly — the
// earlier-submitted state is picked so the outcome is deterministic, the
// mismatch is logged, and the match continues. Money-relevant settlement is
// re-derived on chain from the signed actions, not from either claim.
func (r *Reconciler) Reconcile(turnID int, a, b *models.TrustedState) ReconcileResult {
	if a == nil && b == nil {
		return ReconcileResult{}
	}
	if a == nil {
		return ReconcileResult{Canonical: b}
	}
	if b == nil {
		return ReconcileResult{Canonical: a}
	}
	if a.StateCommitment == b.StateCommitment {
		return ReconcileResult{Canonical: a}
	}

	log.Printf("[RECONCILE] desync on turn %d: %s committed %.12s…, %s committed %.12s…",
		turnID, a.PlayerID, a.StateCommitment, b.PlayerID, b.StateCommitment)

	canonical := a
	if b.SubmittedAt.Before(a.SubmittedAt) {
		canonical = b
	}
	return ReconcileResult{Canonical: canonical, Desync: true}
}
