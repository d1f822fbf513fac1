// Package session holds the Session data container: two participant
// slots, their TPMs, sync state, and the derived cipher once
// synchronized. All mutation of participants and sync state goes
// through Session's own methods so a single mutex can guard both, per
// the ownership rule: the sync task and the connect/disconnect paths
// are the only writers.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/nexus/internal/cipher"
	"github.com/rawblock/nexus/internal/tpm"
)

// ErrSessionFull is returned by AddParticipant when two distinct
// participants are already present.
var ErrSessionFull = errors.New("session: full")

// Channel is the abstract bidirectional transport a participant is
// attached through. Concrete transports (e.g. a websocket connection)
// implement this; the session and coordinator packages never depend on
// any specific transport.
type Channel interface {
	Send(frame map[string]any) error
	Recv() (map[string]any, error)
	Close() error
}

// Session is the per-exchange data container described in the data
// model: config, participants, their TPMs, sync progress, and the
// shared key/cipher once synchronized.
type Session struct {
	mu sync.RWMutex

	ID        string
	CreatedAt time.Time
	K, N, L   int

	participants map[string]Channel
	tpms         map[string]*tpm.Machine

	SyncRound int
	IsSynced  bool
	IsSyncing bool
	SharedKey []byte
	Cipher    *cipher.Cipher

	AttackerTPM      *tpm.Machine
	AttackerProgress float64
	ShowAttacker     bool
}

// New creates an empty session with the given TPM configuration.
// Validation of K/N/L is delegated to tpm.New at AddParticipant time so
// a single source of truth enforces the ranges.
func New(id string, k, n, l int) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		K:            k,
		N:            n,
		L:            l,
		participants: make(map[string]Channel),
		tpms:         make(map[string]*tpm.Machine),
		ShowAttacker: true,
	}
}

// AddParticipant attaches a channel under userID, creating its TPM. It
// refuses a third distinct participant with ErrSessionFull. Re-adding an
// existing userID (e.g. a reconnect) replaces its channel without
// resetting its TPM.
func (s *Session) AddParticipant(userID string, ch Channel) (*tpm.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.participants[userID]; !exists && len(s.participants) >= 2 {
		return nil, ErrSessionFull
	}

	s.participants[userID] = ch
	m, ok := s.tpms[userID]
	if !ok {
		var err error
		m, err = tpm.New(s.K, s.N, s.L)
		if err != nil {
			delete(s.participants, userID)
			return nil, err
		}
		s.tpms[userID] = m
	}
	return m, nil
}

// RemoveParticipant drops a participant and its TPM.
func (s *Session) RemoveParticipant(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, userID)
	delete(s.tpms, userID)
}

// ParticipantCount returns the current number of attached participants.
func (s *Session) ParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// IsReady reports whether exactly two participants are attached.
func (s *Session) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants) == 2
}

// Channels returns a snapshot of userID -> Channel, excluding the given
// set, for broadcast.
func (s *Session) Channels(exclude map[string]bool) map[string]Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Channel, len(s.participants))
	for id, ch := range s.participants {
		if exclude[id] {
			continue
		}
		out[id] = ch
	}
	return out
}

// Pair returns the two participants' ids and TPMs in deterministic
// (sorted-id) order, along with ok=false if fewer than two are present.
func (s *Session) Pair() (idA, idB string, a, b *tpm.Machine, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.participants) != 2 {
		return "", "", nil, nil, false
	}
	ids := make([]string, 0, 2)
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], ids[1], s.tpms[ids[0]], s.tpms[ids[1]], true
}

// TryStartSync atomically transitions the session into "syncing" state,
// returning false if a sync task is already running or the session is
// already synced — this is what makes spawning idempotent.
func (s *Session) TryStartSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IsSynced || s.IsSyncing {
		return false
	}
	s.IsSyncing = true
	return true
}

// FinishSync clears the syncing flag without marking success; called on
// cancellation, under-population, or round-cap exhaustion.
func (s *Session) FinishSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsSyncing = false
}

// SetRound records the current round number, observable via Status.
func (s *Session) SetRound(round int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SyncRound = round
}

// EnsureAttacker lazily creates the eavesdropper TPM the first time it
// is needed, returning nil if attacker simulation is disabled for this
// session.
func (s *Session) EnsureAttacker() (*tpm.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ShowAttacker {
		return nil, nil
	}
	if s.AttackerTPM == nil {
		m, err := tpm.New(s.K, s.N, s.L)
		if err != nil {
			return nil, err
		}
		s.AttackerTPM = m
	}
	return s.AttackerTPM, nil
}

// SetAttackerProgress records Eve's current similarity to participant A.
func (s *Session) SetAttackerProgress(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AttackerProgress = p
}

// CompleteSync marks the session synchronized and installs the derived
// key and cipher. It is the only path that sets IsSynced.
func (s *Session) CompleteSync(key []byte, c *cipher.Cipher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsSynced = true
	s.IsSyncing = false
	s.SharedKey = key
	s.Cipher = c
}

// Status is a read-only snapshot safe to marshal to JSON for the HTTP
// status endpoint.
type Status struct {
	SessionID    string    `json:"session_id"`
	Participants []string  `json:"participants"`
	Round        int       `json:"round"`
	IsSynced     bool      `json:"is_synced"`
	IsSyncing    bool      `json:"is_syncing"`
	CreatedAt    time.Time `json:"created_at"`
	K            int       `json:"k"`
	N            int       `json:"n"`
	L            int       `json:"l"`
}

// Snapshot returns the current Status under the read lock.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Status{
		SessionID:    s.ID,
		Participants: ids,
		Round:        s.SyncRound,
		IsSynced:     s.IsSynced,
		IsSyncing:    s.IsSyncing,
		CreatedAt:    s.CreatedAt,
		K:            s.K,
		N:            s.N,
		L:            s.L,
	}
}

// FingerprintOrEmpty returns the synced cipher's fingerprint, or "" if
// the session has not yet synchronized.
func (s *Session) FingerprintOrEmpty() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Cipher == nil {
		return ""
	}
	return s.Cipher.Fingerprint()
}

// AttackerSnapshot returns whether attacker display is enabled for this
// session, the attacker's current progress, and whether an attacker TPM
// exists.
func (s *Session) AttackerSnapshot() (enabled bool, progress float64, active bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ShowAttacker, s.AttackerProgress, s.AttackerTPM != nil
}
