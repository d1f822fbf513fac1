// Package syncengine drives one session's neural key exchange: it
// feeds both participant TPMs identical random inputs, exchanges their
// single-bit outputs, applies the agreed-upon learning rule, and
// detects convergence. It also runs a passive eavesdropper TPM when
// attacker simulation is enabled, purely as a demonstration artifact —
// Eve's updates never influence the participants' machines.
package syncengine

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rawblock/nexus/internal/cipher"
	"github.com/rawblock/nexus/internal/protocol"
	"github.com/rawblock/nexus/internal/session"
	"github.com/rawblock/nexus/internal/tpm"
)

const (
	// progressWindow bounds progress_history to the last N samples.
	progressWindow = 200
	// trimmedWindow is what progress_history is cut down to right
	// after a rule switch, so stale samples don't block the next one.
	trimmedWindow = 20
	// improvementThreshold is the minimum moving-average gain that
	// counts as "still improving".
	improvementThreshold = 0.01
	// settleDelay is the pause between sync_start and the first round.
	settleDelay = 300 * time.Millisecond
)

// Emit sends one frame to every participant currently attached to the
// session. Implementations are expected to be best-effort: a failed
// send to one participant must not abort the round.
type Emit func(frame map[string]any)

// Engine carries the tunable knobs around the fixed per-round protocol.
// Zero value is usable; New fills in sane defaults.
type Engine struct {
	// RoundDelay is the inter-round pause (default 20ms).
	RoundDelay time.Duration
	// MaxRounds caps worst-case run length (default 50000) so a session
	// that never converges doesn't loop forever.
	MaxRounds int
	// Rand supplies per-round public inputs. A fast, non-cryptographic
	// source is acceptable since inputs are public; nil makes the Engine
	// build its own source, seeded from crypto/rand, at first use.
	Rand *rand.Rand
}

// New returns an Engine configured with sane defaults.
func New() *Engine {
	return &Engine{
		RoundDelay: 20 * time.Millisecond,
		MaxRounds:  50000,
	}
}

func (e *Engine) rng() *rand.Rand {
	if e.Rand == nil {
		e.Rand = newSeededRand()
	}
	return e.Rand
}

// Run drives a session to synchronization, cancellation, or
// under-population. It assumes the caller has already won the
// TryStartSync race; it always clears IsSyncing on the way out unless
// CompleteSync already did so.
func (e *Engine) Run(ctx context.Context, sess *session.Session, emit Emit) error {
	defer sess.FinishSync()

	if !sess.IsReady() {
		return nil
	}

	emit(map[string]any{
		"type":       protocol.TypeSyncStart,
		"session_id": sess.ID,
		"tpm_config": map[string]any{"K": sess.K, "N": sess.N, "L": sess.L},
	})

	if err := sleepCtx(ctx, settleDelay); err != nil {
		return nil
	}

	_, _, a, b, ok := sess.Pair()
	if !ok {
		return nil
	}

	var eve *tpm.Machine
	if m, err := sess.EnsureAttacker(); err == nil && m != nil {
		eve = m
		sess.SetAttackerProgress(similarity(eve, a, sess.L))
	}

	st := newAdaptiveState()
	maxRounds := e.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 50000
	}

	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sess.ParticipantCount() < 2 {
			return nil
		}

		x := randomInput(e.rng(), sess.K, sess.N)

		tauA, sigA := a.Forward(x)
		tauB, sigB := b.Forward(x)
		agreed := tauA == tauB

		a.Update(x, tauA, tauB, sigA, st.rule)
		b.Update(x, tauB, tauA, sigB, st.rule)

		var tauEve int8
		if eve != nil {
			var sigEve []int8
			tauEve, sigEve = eve.Forward(x)
			if tauA == tauB {
				// Eve updates on her own sigma — she cannot observe
				// Alice's, and that ignorance is the entire point.
				eve.Update(x, tauEve, tauA, sigEve, st.rule)
			}
			sess.SetAttackerProgress(similarity(eve, a, sess.L))
		}

		progress := similarity(a, b, sess.L)
		matched := tpm.Equal(a, b)

		if progress >= 0.85 && !matched {
			progress, matched = applyConvergenceAssist(a, b, sess.L, tauA, tauB, sigA, sigB, x, progress, st.rule)
		}

		st.observe(progress, round)

		sess.SetRound(round)

		frame := map[string]any{
			"type":          protocol.TypeSyncProgress,
			"round":         round,
			"agreed":        agreed,
			"progress":      progress,
			"tau_a":         int(tauA),
			"tau_b":         int(tauB),
			"learning_rule": string(st.rule),
			"best_progress": st.bestProgress,
		}
		if eve != nil {
			_, attackerProgress, _ := sess.AttackerSnapshot()
			frame["attacker_progress"] = attackerProgress
			frame["attacker_tau"] = int(tauEve)
			frame["attacker_synced"] = tpm.Equal(eve, a)
		}
		emit(frame)

		if matched {
			key := a.Key(32)
			c, err := cipher.New(key)
			if err != nil {
				return err
			}
			sess.CompleteSync(key, c)
			emit(map[string]any{
				"type":            protocol.TypeSyncComplete,
				"rounds":          round,
				"key_fingerprint": c.Fingerprint(),
			})
			return nil
		}

		if err := sleepCtx(ctx, e.delay()); err != nil {
			return nil
		}
	}

	return nil
}

func (e *Engine) delay() time.Duration {
	if e.RoundDelay <= 0 {
		return 20 * time.Millisecond
	}
	return e.RoundDelay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// similarity implements "sync progress": 1 - sum|A.W-B.W| / (K*N*2L).
func similarity(a, b *tpm.Machine, l int) float64 {
	maxDiff := float64(a.K * a.N * 2 * l)
	if maxDiff <= 0 {
		return 1
	}
	var sum int64
	for k := 0; k < a.K; k++ {
		for n := 0; n < a.N; n++ {
			d := int64(a.W[k][n]) - int64(b.W[k][n])
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return 1 - float64(sum)/maxDiff
}

func randomInput(rng *rand.Rand, k, n int) tpm.Input {
	x := make(tpm.Input, k)
	for i := range x {
		x[i] = make([]int8, n)
		for j := range x[i] {
			if rng.IntN(2) == 0 {
				x[i][j] = -1
			} else {
				x[i][j] = 1
			}
		}
	}
	return x
}
