package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/nexus/internal/protocol"
	"github.com/rawblock/nexus/internal/session"
)

type fakeChannel struct{}

func (fakeChannel) Send(map[string]any) error    { return nil }
func (fakeChannel) Recv() (map[string]any, error) { return nil, nil }
func (fakeChannel) Close() error                  { return nil }

func newReadySession(t *testing.T, k, n, l int) *session.Session {
	t.Helper()
	sess := session.New("test1234", k, n, l)
	if _, err := sess.AddParticipant("alice", fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.AddParticipant("bob", fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestEngineRunConvergesAndEmitsFramesInOrder(t *testing.T) {
	sess := newReadySession(t, 3, 4, 3)
	if !sess.TryStartSync() {
		t.Fatal("expected to win the start race")
	}

	e := &Engine{RoundDelay: 0, MaxRounds: 50000}

	var types []string
	var rounds []int
	e.Run(context.Background(), sess, func(frame map[string]any) {
		ty, _ := frame["type"].(string)
		types = append(types, ty)
		if ty == protocol.TypeSyncProgress {
			rounds = append(rounds, frame["round"].(int))
		}
	})

	if len(types) < 2 {
		t.Fatalf("expected at least sync_start and sync_complete, got %v", types)
	}
	if types[0] != protocol.TypeSyncStart {
		t.Fatalf("first frame should be sync_start, got %s", types[0])
	}
	if types[len(types)-1] != protocol.TypeSyncComplete {
		t.Fatalf("last frame should be sync_complete, got %s", types[len(types)-1])
	}
	for i := 1; i < len(rounds); i++ {
		if rounds[i] <= rounds[i-1] {
			t.Fatalf("rounds not monotonically increasing: %v", rounds)
		}
	}
	if !sess.IsSynced {
		t.Fatal("session not marked synced")
	}
	if sess.Cipher == nil || sess.SharedKey == nil {
		t.Fatal("expected shared key and cipher to be set")
	}
}

func TestEngineStopsOnParticipantLoss(t *testing.T) {
	sess := newReadySession(t, 3, 4, 3)
	sess.TryStartSync()

	e := &Engine{RoundDelay: time.Millisecond, MaxRounds: 50000}
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), sess, func(map[string]any) {})
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	sess.RemoveParticipant("bob")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after participant left")
	}
	if sess.IsSynced {
		t.Fatal("should not have synced after losing a participant")
	}
}

func TestEngineRespectsCancellation(t *testing.T) {
	sess := newReadySession(t, 3, 4, 3)
	sess.TryStartSync()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{RoundDelay: 5 * time.Millisecond, MaxRounds: 50000}

	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, sess, func(map[string]any) {})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
	if sess.IsSyncing {
		t.Fatal("IsSyncing should be cleared after cancellation")
	}
}

func TestEngineAttackerLagsParticipants(t *testing.T) {
	const runs = 40
	belowOne := 0

	for i := 0; i < runs; i++ {
		sess := newReadySession(t, 3, 4, 3)
		sess.TryStartSync()

		e := &Engine{RoundDelay: 0, MaxRounds: 50000}
		var attackerProgress float64
		var synced bool
		e.Run(context.Background(), sess, func(frame map[string]any) {
			if frame["type"] == protocol.TypeSyncComplete {
				synced = true
			}
			if p, ok := frame["attacker_progress"].(float64); ok {
				attackerProgress = p
			}
		})
		if !synced {
			t.Fatal("expected convergence")
		}
		if attackerProgress < 1.0 {
			belowOne++
		}
	}

	if belowOne < runs*9/10 {
		t.Fatalf("expected the eavesdropper to lag in most runs, only %d/%d did", belowOne, runs)
	}
}
