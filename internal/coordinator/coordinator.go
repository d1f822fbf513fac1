// Package coordinator is the process-wide registry of sessions. It
// accepts or rejects connecting participants, spawns one sync goroutine
// per session (idempotently), broadcasts frames, and relays encrypted
// messages between the two participants of a session. It never
// inspects message ciphertext.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rawblock/nexus/internal/audit"
	"github.com/rawblock/nexus/internal/protocol"
	"github.com/rawblock/nexus/internal/session"
	"github.com/rawblock/nexus/internal/syncengine"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = fmt.Errorf("coordinator: session not found")

// Coordinator owns the process-wide sessions and sync-task registries.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	cancels  map[string]context.CancelFunc

	audit     *audit.Store
	newEngine func() *syncengine.Engine
}

// New creates a Coordinator. store may be nil, in which case completed
// syncs are simply not persisted.
func New(store *audit.Store) *Coordinator {
	return &Coordinator{
		sessions:  make(map[string]*session.Session),
		cancels:   make(map[string]context.CancelFunc),
		audit:     store,
		newEngine: syncengine.New,
	}
}

// GetOrCreate returns the session for id, creating it with the given
// TPM config if it does not yet exist. Config supplied after the first
// call is ignored, matching "config from the first connector".
func (c *Coordinator) GetOrCreate(id string, k, n, l int) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[id]; ok {
		return sess
	}
	sess := session.New(id, k, n, l)
	c.sessions[id] = sess
	return sess
}

// Get returns the session for id, or ErrNotFound.
func (c *Coordinator) Get(id string) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ActiveSessionCount reports how many sessions currently exist.
func (c *Coordinator) ActiveSessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// ErrAuditUnavailable is returned by RecentSyncs when no audit store was
// configured for this coordinator.
var ErrAuditUnavailable = errors.New("coordinator: audit store not configured")

// RecentSyncs returns the most recently completed syncs from the audit
// store, or ErrAuditUnavailable if persistence is disabled.
func (c *Coordinator) RecentSyncs(ctx context.Context, limit int) ([]audit.Record, error) {
	if c.audit == nil {
		return nil, ErrAuditUnavailable
	}
	return c.audit.RecentSyncs(ctx, limit)
}

// Connect attaches ch under (sessionID, userID), creating the session
// on first contact. On a third distinct participant it sends an error
// frame with code SESSION_FULL; on an out-of-range TPM configuration it
// sends VALIDATION_ERROR instead. Either way the channel is closed and
// the underlying error returned. On success it notifies the other
// participant, sends session_info to the joiner, and starts the sync
// task once two participants are present.
func (c *Coordinator) Connect(ch session.Channel, sessionID, userID string, k, n, l int) (*session.Session, error) {
	sess := c.GetOrCreate(sessionID, k, n, l)

	if _, err := sess.AddParticipant(userID, ch); err != nil {
		code := protocol.CodeValidation
		message := err.Error()
		if errors.Is(err, session.ErrSessionFull) {
			code = protocol.CodeSessionFull
			message = "session is full"
		}
		_ = ch.Send(map[string]any{
			"type":    protocol.TypeError,
			"message": message,
			"code":    code,
		})
		_ = ch.Close()
		return nil, err
	}

	c.Broadcast(sess, map[string]any{
		"type":              protocol.TypeUserJoined,
		"user_id":           userID,
		"participant_count": sess.ParticipantCount(),
	}, map[string]bool{userID: true})

	snap := sess.Snapshot()
	_ = ch.Send(map[string]any{
		"type":              protocol.TypeSessionInfo,
		"session_id":        sessionID,
		"participant_count": len(snap.Participants),
		"is_synced":         snap.IsSynced,
		"tpm_config":        map[string]any{"K": snap.K, "N": snap.N, "L": snap.L},
	})

	if sess.IsReady() {
		c.startSync(sess)
	}

	return sess, nil
}

// Disconnect removes userID from sessionID, cancels the session's sync
// task if one is running, notifies the remaining participant, and
// deletes the session once empty.
func (c *Coordinator) Disconnect(sessionID, userID string) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cancel, hasTask := c.cancels[sessionID]
	c.mu.Unlock()

	sess.RemoveParticipant(userID)

	if hasTask {
		cancel()
		c.mu.Lock()
		delete(c.cancels, sessionID)
		c.mu.Unlock()
	}

	c.Broadcast(sess, map[string]any{
		"type":    protocol.TypeUserLeft,
		"user_id": userID,
	}, nil)

	if sess.ParticipantCount() == 0 {
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
	}
}

// RequestSync starts the sync task if the session is ready and idle.
func (c *Coordinator) RequestSync(sess *session.Session) {
	if sess.IsReady() {
		c.startSync(sess)
	}
}

// startSync spawns the sync goroutine if none is running for this
// session. TryStartSync makes the spawn itself idempotent even under a
// benign race between two callers (second participant's Connect and a
// subsequent request_sync frame).
func (c *Coordinator) startSync(sess *session.Session) {
	if !sess.TryStartSync() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[sess.ID] = cancel
	c.mu.Unlock()

	go c.runSync(ctx, sess)
}

func (c *Coordinator) runSync(ctx context.Context, sess *session.Session) {
	defer func() {
		c.mu.Lock()
		delete(c.cancels, sess.ID)
		c.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sync %s] panic: %v", sess.ID, r)
			sess.FinishSync()
			c.Broadcast(sess, map[string]any{
				"type":    protocol.TypeError,
				"message": fmt.Sprintf("sync error: %v", r),
			}, nil)
		}
	}()

	engine := c.newEngine()
	err := engine.Run(ctx, sess, func(frame map[string]any) {
		c.Broadcast(sess, frame, nil)
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("[sync %s] error: %v", sess.ID, err)
		c.Broadcast(sess, map[string]any{
			"type":    protocol.TypeError,
			"message": err.Error(),
		}, nil)
		return
	}

	if sess.IsSynced && c.audit != nil {
		snap := sess.Snapshot()
		_, attackerProgress, active := sess.AttackerSnapshot()
		var ap *float64
		if active {
			ap = &attackerProgress
		}
		if err := c.audit.RecordSyncComplete(ctx, sess.ID, snap.K, snap.N, snap.L, snap.Round, ap); err != nil {
			log.Printf("[audit %s] failed to record sync completion: %v", sess.ID, err)
		}
	}
}

// RelayMessage broadcasts an encrypted message frame from sender to
// the rest of the session, stamping it with a server-side timestamp.
// The coordinator never inspects ciphertext.
func (c *Coordinator) RelayMessage(sess *session.Session, senderID, ciphertext string) {
	c.Broadcast(sess, map[string]any{
		"type":       protocol.TypeMessage,
		"sender_id":  senderID,
		"ciphertext": ciphertext,
		"timestamp":  nowRFC3339(),
	}, map[string]bool{senderID: true})
}

// Broadcast sends frame to every participant of sess not in exclude.
// Sends are best-effort: a participant whose send fails is dropped from
// the session as if it had disconnected.
func (c *Coordinator) Broadcast(sess *session.Session, frame map[string]any, exclude map[string]bool) {
	for userID, ch := range sess.Channels(exclude) {
		if err := ch.Send(frame); err != nil {
			log.Printf("[broadcast %s] dropping %s: %v", sess.ID, userID, err)
			sess.RemoveParticipant(userID)
		}
	}
}
