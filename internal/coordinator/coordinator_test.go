package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/rawblock/nexus/internal/protocol"
	"github.com/rawblock/nexus/internal/syncengine"
)

type recordingChannel struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *recordingChannel) Send(frame map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordingChannel) Recv() (map[string]any, error) { return nil, nil }

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingChannel) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func fastCoordinator() *Coordinator {
	c := New(nil)
	c.newEngine = func() *syncengine.Engine {
		return &syncengine.Engine{RoundDelay: 0, MaxRounds: 50000}
	}
	return c
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func TestConnectSendsSessionInfoAndJoinNotification(t *testing.T) {
	c := fastCoordinator()
	alice := &recordingChannel{}
	bob := &recordingChannel{}

	if _, err := c.Connect(alice, "sess0001", "alice", 3, 4, 3); err != nil {
		t.Fatal(err)
	}
	if !containsType(alice.types(), protocol.TypeSessionInfo) {
		t.Fatalf("alice should receive session_info, got %v", alice.types())
	}

	if _, err := c.Connect(bob, "sess0001", "bob", 3, 4, 3); err != nil {
		t.Fatal(err)
	}
	if !containsType(alice.types(), protocol.TypeUserJoined) {
		t.Fatalf("alice should see user_joined, got %v", alice.types())
	}
	if !containsType(bob.types(), protocol.TypeSessionInfo) {
		t.Fatalf("bob should receive session_info, got %v", bob.types())
	}
}

func TestThirdParticipantRejectedWithSessionFull(t *testing.T) {
	c := fastCoordinator()
	alice := &recordingChannel{}
	bob := &recordingChannel{}
	carol := &recordingChannel{}

	c.Connect(alice, "sess0002", "alice", 3, 4, 3)
	c.Connect(bob, "sess0002", "bob", 3, 4, 3)

	if _, err := c.Connect(carol, "sess0002", "carol", 3, 4, 3); err == nil {
		t.Fatal("expected an error for the third participant")
	}

	carol.mu.Lock()
	defer carol.mu.Unlock()
	if len(carol.frames) != 1 || carol.frames[0]["code"] != protocol.CodeSessionFull {
		t.Fatalf("expected a single SESSION_FULL error frame, got %v", carol.frames)
	}
	if !carol.closed {
		t.Fatal("carol's channel should be closed")
	}
}

func TestFullSyncReachesCompleteWithMatchingFingerprint(t *testing.T) {
	c := fastCoordinator()
	alice := &recordingChannel{}
	bob := &recordingChannel{}

	c.Connect(alice, "sess0003", "alice", 3, 4, 3)
	c.Connect(bob, "sess0003", "bob", 3, 4, 3)

	deadline := time.After(20 * time.Second)
	for {
		if containsType(alice.types(), protocol.TypeSyncComplete) && containsType(bob.types(), protocol.TypeSyncComplete) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sync did not complete in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sess, err := c.Get("sess0003")
	if err != nil {
		t.Fatal(err)
	}
	if !sess.IsSynced {
		t.Fatal("session should be marked synced")
	}

	want := sess.FingerprintOrEmpty()
	if want == "" {
		t.Fatal("synced session should expose a key fingerprint")
	}
	for _, ch := range []*recordingChannel{alice, bob} {
		ch.mu.Lock()
		var got any
		for _, f := range ch.frames {
			if f["type"] == protocol.TypeSyncComplete {
				got = f["key_fingerprint"]
			}
		}
		ch.mu.Unlock()
		if got != want {
			t.Fatalf("sync_complete fingerprint %v does not match session fingerprint %q", got, want)
		}
	}
}

func TestDisconnectDuringSyncNotifiesAndCleansUp(t *testing.T) {
	c := fastCoordinator()
	alice := &recordingChannel{}
	bob := &recordingChannel{}

	c.Connect(alice, "sess0004", "alice", 3, 4, 3)
	c.Connect(bob, "sess0004", "bob", 3, 4, 3)

	time.Sleep(5 * time.Millisecond)
	c.Disconnect("sess0004", "alice")

	deadline := time.After(2 * time.Second)
	for !containsType(bob.types(), protocol.TypeUserLeft) {
		select {
		case <-deadline:
			t.Fatal("bob never received user_left")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.Disconnect("sess0004", "bob")
	if _, err := c.Get("sess0004"); err == nil {
		t.Fatal("session should have been deleted once empty")
	}
}
