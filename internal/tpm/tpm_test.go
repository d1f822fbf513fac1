package tpm

import (
	"math/rand/v2"
	"testing"
)

func randomInput(rng *rand.Rand, k, n int) Input {
	x := make(Input, k)
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

func TestNewRejectsOutOfRangeParams(t *testing.T) {
	cases := []struct{ k, n, l int }{
		{0, 4, 3}, {33, 4, 3}, {3, 0, 3}, {3, 65, 3}, {3, 4, 0}, {3, 4, 11},
	}
	for _, c := range cases {
		if _, err := New(c.k, c.n, c.l); err == nil {
			t.Errorf("New(%d,%d,%d): expected error", c.k, c.n, c.l)
		}
	}
}

func TestNewWeightsWithinBounds(t *testing.T) {
	m, err := New(3, 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < m.K; k++ {
		for n := 0; n < m.N; n++ {
			if v := m.W[k][n]; v < -3 || v > 3 {
				t.Fatalf("weight out of bounds: %d", v)
			}
		}
	}
}

func TestForwardDeterministicAndValidTau(t *testing.T) {
	m, _ := New(3, 4, 3)
	rng := rand.New(rand.NewPCG(1, 2))
	x := randomInput(rng, 3, 4)

	tau1, sigma1 := m.Forward(x)
	tau2, sigma2 := m.Forward(x)

	if tau1 != tau2 {
		t.Fatalf("forward not deterministic: %d vs %d", tau1, tau2)
	}
	if tau1 != 1 && tau1 != -1 {
		t.Fatalf("tau out of range: %d", tau1)
	}
	for i := range sigma1 {
		if sigma1[i] != sigma2[i] {
			t.Fatalf("sigma not deterministic at %d", i)
		}
		if sigma1[i] != 1 && sigma1[i] != -1 {
			t.Fatalf("sigma out of range at %d: %d", i, sigma1[i])
		}
	}
}

func TestUpdateNoOpOnDisagreement(t *testing.T) {
	m, _ := New(3, 4, 3)
	before := m.Clone()
	rng := rand.New(rand.NewPCG(3, 4))
	x := randomInput(rng, 3, 4)
	_, sigma := m.Forward(x)

	applied := m.Update(x, 1, -1, sigma, RuleHebbian)
	if applied {
		t.Fatal("expected no-op on disagreement")
	}
	if !Equal(before, m) {
		t.Fatal("weights changed despite disagreement")
	}
}

func TestUpdateStaysWithinBounds(t *testing.T) {
	m, _ := New(2, 3, 1)
	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 500; i++ {
		x := randomInput(rng, 2, 3)
		tau, sigma := m.Forward(x)
		m.Update(x, tau, tau, sigma, RuleRandomWalk)
		for k := 0; k < m.K; k++ {
			for n := 0; n < m.N; n++ {
				if v := m.W[k][n]; v < -1 || v > 1 {
					t.Fatalf("weight escaped bounds: %d", v)
				}
			}
		}
	}
}

func TestKeyIsPureFunctionOfWeights(t *testing.T) {
	a, _ := New(3, 4, 3)
	b := a.Clone()
	if string(a.Key(32)) != string(b.Key(32)) {
		t.Fatal("identical weights produced different keys")
	}
	b.W[0][0] = Clip(b.W[0][0]+1, int32(b.L))
	if b.W[0][0] != a.W[0][0] && string(a.Key(32)) == string(b.Key(32)) {
		t.Fatal("different weights produced identical keys")
	}
}

func TestFingerprintStableForSameKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	if Fingerprint(key) != Fingerprint(key) {
		t.Fatal("fingerprint not stable")
	}
	if len(Fingerprint(key)) != 8 {
		t.Fatalf("expected 8 hex chars, got %d", len(Fingerprint(key)))
	}
}

func TestFullSyncConverges(t *testing.T) {
	a, _ := New(3, 4, 3)
	b, _ := New(3, 4, 3)
	rng := rand.New(rand.NewPCG(42, 7))

	const maxRounds = 50000
	round := 0
	for ; round < maxRounds; round++ {
		x := randomInput(rng, 3, 4)
		tauA, sigA := a.Forward(x)
		tauB, sigB := b.Forward(x)
		a.Update(x, tauA, tauB, sigA, RuleHebbian)
		b.Update(x, tauB, tauA, sigB, RuleHebbian)
		if Equal(a, b) {
			break
		}
	}
	if !Equal(a, b) {
		t.Fatalf("did not converge within %d rounds", maxRounds)
	}
	if string(a.Key(32)) != string(b.Key(32)) {
		t.Fatal("converged machines disagree on derived key")
	}
}
