// services/turns.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrWrongPhase     = errors.New("submission does not match current phase")
	ErrNotInRoom      = errors.New("player is not in this room")
	ErrGameFinished   = errors.New("game already finished")
	ErrCasterMismatch = errors.New("caster does not match the submitting player")
)

// EngineConfig holds the turn-timing knobs. Exact thresholds are deployment
// tunables, not rules.
type EngineConfig struct {
	CastingTimeout     time.Duration
	EffectsTimeout     time.Duration
	MaxMissedTurns     int // consecutive absent turns before forfeit
	StartingHP         int
	SpellCooldownTurns int // 0 disables cooldown enforcement
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CastingTimeout:     utils.EnvDuration("PHASE_CASTING_TIMEOUT", 30*time.Second),
		EffectsTimeout:     utils.EnvDuration("PHASE_EFFECTS_TIMEOUT", 15*time.Second),
		MaxMissedTurns:     utils.EnvInt("MAX_MISSED_TURNS", 3),
		StartingHP:         utils.EnvInt("STARTING_HP", 100),
		SpellCooldownTurns: utils.EnvInt("SPELL_COOLDOWN_TURNS", 0),
	}
}

// JobSubmitter enqueues chain commit jobs. The commit queue implements it;
// tests inject a fake.
type JobSubmitter interface {
	Submit(job *models.CommitJob) (string, error)
}

// TurnEngine drives every room through the five-phase turn loop. It keeps no
// authoritative in-process state: each decision is a compare-and-swap against
// the room store, so any instance may advance any room and two instances
// racing on the same room serialize through the store.
type TurnEngine struct {
	store    RoomStore
	verifier Verifier
	rec      *Reconciler
	jobs     JobSubmitter
	db       *gorm.DB // match archive; nil disables archiving
	cfg      EngineConfig
}

func NewTurnEngine(store RoomStore, verifier Verifier, rec *Reconciler, jobs JobSubmitter, db *gorm.DB, cfg EngineConfig) *TurnEngine {
	return &TurnEngine{store: store, verifier: verifier, rec: rec, jobs: jobs, db: db, cfg: cfg}
}

// InitialState builds the turn-zero state for a freshly paired room.
func (e *TurnEngine) InitialState(room models.Room) models.GameState {
	now := time.Now().UTC()
	players := make(map[string]*models.PlayerTurn, 2)
	for _, p := range room.Players {
		players[p.PlayerID] = &models.PlayerTurn{
			HP:        e.cfg.StartingHP,
			Connected: true,
			Cooldowns: make(map[string]int),
		}
	}
	return models.GameState{
		RoomID:    room.RoomID,
		GameID:    room.GameID,
		TurnID:    0,
		Phase:     models.PhaseSpellCasting,
		Deadline:  now.Add(e.cfg.CastingTimeout),
		Order:     [2]string{room.Players[0].PlayerID, room.Players[1].PlayerID},
		Players:   players,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// addressedEvent routes an Event to one player, or to both when To is empty.
type addressedEvent struct {
	To string
	Ev Event
}

// turnEffects collects side effects decided inside a CAS mutation. They are
// applied only after the mutated state is committed; the mutator may run more
// than once, so the struct is reset on every attempt.
type turnEffects struct {
	events   []addressedEvent
	desync   bool
	finished bool
	reason   string
}

func (fx *turnEffects) broadcast(roomID, name string, payload interface{}) {
	fx.events = append(fx.events, addressedEvent{Ev: NewEvent(name, roomID, payload)})
}

func (fx *turnEffects) send(to, roomID, name string, payload interface{}) {
	fx.events = append(fx.events, addressedEvent{To: to, Ev: NewEvent(name, roomID, payload)})
}

// SubmitAction validates and records a player's SPELL_CASTING move, then
// advances the phase if both moves are in.
func (e *TurnEngine) SubmitAction(ctx context.Context, roomID string, action *models.SignedAction) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	var seat *models.RoomPlayer
	for i := range room.Players {
		if room.Players[i].PlayerID == action.PlayerID {
			seat = &room.Players[i]
		}
	}
	if seat == nil {
		return ErrNotInRoom
	}
	if action.CasterID != action.PlayerID {
		return ErrCasterMismatch
	}
	if !e.verifier.Verify(seat.PublicKey, ActionPayload(action), action.Nonce, action.Signature) {
		return ErrInvalidSignature
	}

	now := time.Now().UTC()
	fx := &turnEffects{}
	st, err := e.store.UpdateState(ctx, roomID, func(st *models.GameState) error {
		*fx = turnEffects{}
		if st.Terminal {
			return ErrGameFinished
		}
		if st.Phase != models.PhaseSpellCasting {
			return ErrWrongPhase
		}
		pt := st.Player(action.PlayerID)
		if pt == nil {
			return ErrNotInRoom
		}
		if action.Nonce <= pt.LastNonce {
			return ErrStaleNonce
		}
		if until, ok := pt.Cooldowns[action.SpellID]; ok && until > st.TurnID {
			return ErrSpellOnCooldown
		}
		pt.PendingAction = action
		pt.Ready = true
		pt.LastNonce = action.Nonce
		pt.Connected = true
		if e.cfg.SpellCooldownTurns > 0 {
			pt.Cooldowns[action.SpellID] = st.TurnID + 1 + e.cfg.SpellCooldownTurns
		}
		e.tryAdvance(st, now, fx)
		return nil
	})
	if err != nil {
		return err
	}
	e.applyEffects(ctx, st, fx)
	return nil
}

// SubmitTrustedState records a player's post-effects commitment for the
// current turn.
func (e *TurnEngine) SubmitTrustedState(ctx context.Context, roomID string, ts *models.TrustedState) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	var seat *models.RoomPlayer
	for i := range room.Players {
		if room.Players[i].PlayerID == ts.PlayerID {
			seat = &room.Players[i]
		}
	}
	if seat == nil {
		return ErrNotInRoom
	}
	if !e.verifier.Verify(seat.PublicKey, TrustedStatePayload(ts), 0, ts.Signature) {
		return ErrInvalidSignature
	}
	// Server receipt time decides "earlier submission" deterministically.
	ts.SubmittedAt = time.Now().UTC()

	now := ts.SubmittedAt
	fx := &turnEffects{}
	st, err := e.store.UpdateState(ctx, roomID, func(st *models.GameState) error {
		*fx = turnEffects{}
		if st.Terminal {
			return ErrGameFinished
		}
		if st.Phase != models.PhaseSpellEffects {
			return ErrWrongPhase
		}
		pt := st.Player(ts.PlayerID)
		if pt == nil {
			return ErrNotInRoom
		}
		pt.Trusted = ts
		pt.Ready = true
		pt.Connected = true
		e.tryAdvance(st, now, fx)
		return nil
	})
	if err != nil {
		return err
	}
	e.applyEffects(ctx, st, fx)
	return nil
}

// Forfeit ends the game in favor of the opponent.
func (e *TurnEngine) Forfeit(ctx context.Context, roomID, playerID string) error {
	fx := &turnEffects{}
	st, err := e.store.UpdateState(ctx, roomID, func(st *models.GameState) error {
		*fx = turnEffects{}
		if st.Terminal {
			return ErrGameFinished
		}
		pt := st.Player(playerID)
		if pt == nil {
			return ErrNotInRoom
		}
		pt.Forfeited = true
		if winner, reason, over := e.terminalCheck(st); over {
			e.finishGame(st, winner, reason, fx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.applyEffects(ctx, st, fx)
	return nil
}

// HandleDisconnect is called by the hub when a socket drops. A waiting player
// leaves the queue; an in-game player is marked absent, which counts as a
// phase timeout, never as an error that aborts the room for the opponent.
func (e *TurnEngine) HandleDisconnect(ctx context.Context, playerID string) {
	roomID, err := e.store.RoomForPlayer(ctx, playerID)
	if err != nil {
		log.Printf("[TURN] disconnect lookup for %s: %v", playerID, err)
		return
	}
	if roomID == "" {
		if _, err := e.store.RemoveWaiting(ctx, playerID); err != nil {
			log.Printf("[TURN] removing waiting entry for %s: %v", playerID, err)
		}
		return
	}
	fx := &turnEffects{}
	st, err := e.store.UpdateState(ctx, roomID, func(st *models.GameState) error {
		*fx = turnEffects{}
		pt := st.Player(playerID)
		if pt == nil {
			return ErrNotInRoom
		}
		if !pt.Connected {
			return ErrNoChange
		}
		pt.Connected = false
		fx.send(st.OpponentID(playerID), roomID, "opponentDisconnected", nil)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNoChange) && !errors.Is(err, ErrRoomNotFound) {
			log.Printf("[TURN] marking %s disconnected: %v", playerID, err)
		}
		return
	}
	e.applyEffects(ctx, st, fx)
}

// HandleReconnect marks a returning player as live again and returns their
// current room id ("" when not in a room) so the handler can resync them.
func (e *TurnEngine) HandleReconnect(ctx context.Context, playerID string) (string, error) {
	roomID, err := e.store.RoomForPlayer(ctx, playerID)
	if err != nil || roomID == "" {
		return "", err
	}
	_, err = e.store.UpdateState(ctx, roomID, func(st *models.GameState) error {
		pt := st.Player(playerID)
		if pt == nil {
			return ErrNotInRoom
		}
		pt.Connected = true
		return nil
	})
	if errors.Is(err, ErrRoomNotFound) {
		return "", nil
	}
	return roomID, err
}

// SweepDeadlines advances every room whose phase deadline has elapsed. It is
// run periodically on every instance; the store CAS guarantees each expired
// phase advances exactly once.
func (e *TurnEngine) SweepDeadlines(ctx context.Context) {
	states, err := e.store.ListStates(ctx)
	if err != nil {
		log.Printf("[TURN] deadline sweep: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, snapshot := range states {
		if snapshot.Terminal || !now.After(snapshot.Deadline) {
			continue
		}
		fx := &turnEffects{}
		st, err := e.store.UpdateState(ctx, snapshot.RoomID, func(st *models.GameState) error {
			*fx = turnEffects{}
			// Re-check against the fresh snapshot: another instance may have
			// advanced the room already.
			if st.Terminal {
				return ErrNoChange
			}
			if !e.tryAdvance(st, time.Now().UTC(), fx) {
				return ErrNoChange
			}
			return nil
		})
		if err != nil {
			if !errors.Is(err, ErrNoChange) && !errors.Is(err, ErrRoomNotFound) {
				log.Printf("[TURN] advancing room %s: %v", snapshot.RoomID, err)
			}
			continue
		}
		e.applyEffects(ctx, st, fx)
	}
}

// tryAdvance walks the transition table from the current phase as far as it
// can go. Phases SPELL_PROPAGATION, END_OF_ROUND and STATE_UPDATE are
// server-driven and resolve immediately; SPELL_CASTING and SPELL_EFFECTS wait
// for both ready bits or the deadline. Returns whether the state changed.
func (e *TurnEngine) tryAdvance(st *models.GameState, now time.Time, fx *turnEffects) bool {
	changed := false
	for {
		switch st.Phase {
		case models.PhaseSpellCasting:
			if !st.BothReady() && !now.After(st.Deadline) {
				return changed
			}
			for _, id := range st.Order {
				pt := st.Players[id]
				if pt.PendingAction == nil {
					pt.PendingAction = models.PassAction(id)
					pt.MissedTurns++
				} else if !pt.PendingAction.Pass {
					pt.MissedTurns = 0
				}
			}
			st.Phase = models.PhaseSpellPropagation
			changed = true

		case models.PhaseSpellPropagation:
			// Rebroadcast both validated actions verbatim; clients compute
			// effects from identical inputs.
			actions := []*models.SignedAction{
				st.Players[st.Order[0]].PendingAction,
				st.Players[st.Order[1]].PendingAction,
			}
			fx.broadcast(st.RoomID, "spellsCast", map[string]interface{}{
				"turnId":  st.TurnID,
				"actions": actions,
			})
			st.Phase = models.PhaseSpellEffects
			st.Deadline = now.Add(e.cfg.EffectsTimeout)
			for _, pt := range st.Players {
				pt.Ready = false
			}
			fx.broadcast(st.RoomID, "phaseChanged", map[string]interface{}{
				"phase":    st.Phase,
				"turnId":   st.TurnID,
				"deadline": st.Deadline,
			})
			return true

		case models.PhaseSpellEffects:
			if !st.BothReady() && !now.After(st.Deadline) {
				return changed
			}
			for _, id := range st.Order {
				pt := st.Players[id]
				if pt.Trusted == nil {
					pt.MissedTurns++
				}
			}
			st.Phase = models.PhaseEndOfRound
			changed = true

		case models.PhaseEndOfRound:
			a := st.Players[st.Order[0]].Trusted
			b := st.Players[st.Order[1]].Trusted
			res := e.rec.Reconcile(st.TurnID, a, b)
			if res.Desync {
				st.Desyncs++
				fx.desync = true
			}
			if res.Canonical != nil {
				applyPublicSnapshot(st, res.Canonical)
			}
			if winner, reason, over := e.terminalCheck(st); over {
				e.finishGame(st, winner, reason, fx)
				return true
			}
			st.Phase = models.PhaseStateUpdate
			changed = true

		case models.PhaseStateUpdate:
			var commitment string
			var publicState json.RawMessage
			if canonical := canonicalState(st); canonical != nil {
				commitment = canonical.StateCommitment
				publicState = canonical.PublicState
			}
			fx.broadcast(st.RoomID, "stateUpdate", map[string]interface{}{
				"turnId":      st.TurnID,
				"desync":      fx.desync,
				"commitment":  commitment,
				"publicState": publicState,
			})
			st.TurnID++
			st.Phase = models.PhaseSpellCasting
			st.Deadline = now.Add(e.cfg.CastingTimeout)
			for _, pt := range st.Players {
				pt.Ready = false
				pt.PendingAction = nil
				pt.Trusted = nil
			}
			fx.broadcast(st.RoomID, "phaseChanged", map[string]interface{}{
				"phase":    st.Phase,
				"turnId":   st.TurnID,
				"deadline": st.Deadline,
			})
			return true

		case models.PhaseGameEnd:
			return changed

		default:
			log.Printf("[TURN] room %s in unknown phase %q", st.RoomID, st.Phase)
			return changed
		}
	}
}

// canonicalState returns the trusted state whose commitment survived the last
// reconciliation, preferring player[0] on identical commitments.
func canonicalState(st *models.GameState) *models.TrustedState {
	a := st.Players[st.Order[0]].Trusted
	b := st.Players[st.Order[1]].Trusted
	if a == nil {
		return b
	}
	if b == nil || a.StateCommitment == b.StateCommitment {
		return a
	}
	if b.SubmittedAt.Before(a.SubmittedAt) {
		return b
	}
	return a
}

// applyPublicSnapshot folds the canonical state's HP values into the server's
// bookkeeping. Unknown players and missing fields are ignored.
func applyPublicSnapshot(st *models.GameState, canonical *models.TrustedState) {
	if len(canonical.PublicState) == 0 {
		return
	}
	var snap models.PublicSnapshot
	if err := json.Unmarshal(canonical.PublicState, &snap); err != nil {
		log.Printf("[TURN] room %s: undecodable public state on turn %d: %v", st.RoomID, st.TurnID, err)
		return
	}
	for id, hp := range snap.HP {
		if pt := st.Players[id]; pt != nil {
			pt.HP = hp
		}
	}
}

// terminalCheck evaluates win/draw conditions: forfeit, repeated absence and
// HP depletion, in that precedence.
func (e *TurnEngine) terminalCheck(st *models.GameState) (winner, reason string, over bool) {
	p0, p1 := st.Order[0], st.Order[1]
	lost := func(id string) (bool, string) {
		pt := st.Players[id]
		if pt.Forfeited {
			return true, "forfeit"
		}
		if e.cfg.MaxMissedTurns > 0 && pt.MissedTurns >= e.cfg.MaxMissedTurns {
			return true, "absence"
		}
		if pt.HP <= 0 {
			return true, "hp"
		}
		return false, ""
	}
	l0, r0 := lost(p0)
	l1, r1 := lost(p1)
	switch {
	case l0 && l1:
		return "", "draw", true
	case l0:
		return p1, r0, true
	case l1:
		return p0, r1, true
	}
	return "", "", false
}

func (e *TurnEngine) finishGame(st *models.GameState, winner, reason string, fx *turnEffects) {
	st.Phase = models.PhaseGameEnd
	st.Terminal = true
	st.WinnerID = winner
	fx.finished = true
	fx.reason = reason
	fx.broadcast(st.RoomID, "gameEnd", map[string]interface{}{
		"winnerId": winner,
		"reason":   reason,
	})
}

// applyEffects runs the side effects of a committed state change: event
// fanout, the FINISH_GAME commit job, the match archive row and room removal.
// None of these can fail gameplay — errors are logged and the job queue's own
// retries pick up the rest.
func (e *TurnEngine) applyEffects(ctx context.Context, st *models.GameState, fx *turnEffects) {
	if st == nil {
		return
	}
	for _, ae := range fx.events {
		if ae.To != "" {
			if err := e.store.PublishToPlayer(ctx, ae.To, ae.Ev); err != nil {
				log.Printf("[TURN] publish %s to %s: %v", ae.Ev.Event, ae.To, err)
			}
			continue
		}
		for _, id := range st.Order {
			if err := e.store.PublishToPlayer(ctx, id, ae.Ev); err != nil {
				log.Printf("[TURN] publish %s to %s: %v", ae.Ev.Event, id, err)
			}
		}
	}
	if fx.desync {
		if err := e.store.IncrCounter(ctx, "desync_total"); err != nil {
			log.Printf("[TURN] desync counter: %v", err)
		}
	}
	if !fx.finished {
		return
	}

	e.enqueueFinish(st)
	e.archiveMatch(ctx, st, fx.reason)

	if err := e.store.DeleteRoom(ctx, st.RoomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		log.Printf("[TURN] removing finished room %s: %v", st.RoomID, err)
	}
	log.Printf("[TURN] room %s finished on turn %d (winner=%q, reason=%s)", st.RoomID, st.TurnID, st.WinnerID, fx.reason)
}

func (e *TurnEngine) enqueueFinish(st *models.GameState) {
	finalStates := make(map[string]json.RawMessage, 2)
	commitments := make([]string, 0, 2)
	for _, id := range st.Order {
		if ts := st.Players[id].Trusted; ts != nil {
			finalStates[id] = ts.PublicState
			commitments = append(commitments, ts.StateCommitment)
		}
	}
	payload := models.FinishGamePayload{
		GameID:      st.GameID,
		RoomID:      st.RoomID,
		ResultHash:  utils.HashStrings(append([]string{st.GameID, st.WinnerID}, commitments...)...),
		Winner:      st.WinnerID,
		FinalStates: finalStates,
		FinishedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[TURN] marshal finish payload for %s: %v", st.GameID, err)
		return
	}
	job := &models.CommitJob{
		ID:      uuid.NewString(),
		Type:    models.CommitJobFinishGame,
		GameID:  st.GameID,
		RoomID:  st.RoomID,
		Payload: string(data),
	}
	if _, err := e.jobs.Submit(job); err != nil {
		log.Printf("[TURN] ❌ enqueue FINISH_GAME for %s: %v", st.GameID, err)
	}
}

func (e *TurnEngine) archiveMatch(ctx context.Context, st *models.GameState, reason string) {
	if e.db == nil {
		return
	}
	result := "win"
	switch {
	case st.WinnerID == "":
		result = "draw"
	case reason == "forfeit" || reason == "absence":
		result = "forfeit"
	}
	rec := models.MatchRecord{
		GameID:      st.GameID,
		RoomID:      st.RoomID,
		Player1ID:   st.Order[0],
		Player2ID:   st.Order[1],
		WinnerID:    st.WinnerID,
		Result:      result,
		Turns:       st.TurnID,
		Desyncs:     st.Desyncs,
		DurationSec: int(time.Since(st.CreatedAt).Seconds()),
	}
	if room, err := e.store.GetRoom(ctx, st.RoomID); err == nil {
		rec.SkillLevel = room.SkillLevel
	}
	if err := e.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Printf("[TURN] DB error archiving match %s: %v", st.GameID, err)
	}
}

// RunDeadlineLoop drives SweepDeadlines on a ticker until ctx is done.
func (e *TurnEngine) RunDeadlineLoop(ctx context.Context, interval time.Duration) {
	log.Printf("Starting turn deadline loop (every %s)...", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Turn deadline loop stopped.")
			return
		case <-ticker.C:
			e.SweepDeadlines(ctx)
		}
	}
}
