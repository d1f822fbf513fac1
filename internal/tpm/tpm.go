// Package tpm implements the Tree Parity Machine primitive used for
// Neural Key Exchange: a K-hidden-neuron, N-input perceptron tree whose
// weights are integers bounded by [-L, L]. Two machines fed the same
// public input and updated under the same rule converge to identical
// weights faster than a passive observer can.
package tpm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Rule selects which weight-update law applies to an agreeing round.
type Rule string

const (
	RuleRandomWalk  Rule = "random_walk"
	RuleHebbian     Rule = "hebbian"
	RuleAntiHebbian Rule = "anti_hebbian"
)

const (
	minK, maxK = 1, 32
	minN, maxN = 1, 64
	minL, maxL = 1, 10
)

// ErrInvalidParams is returned when K, N or L fall outside their
// allowed ranges.
var ErrInvalidParams = errors.New("tpm: invalid parameters")

// Machine is a single Tree Parity Machine. W is exported because both
// the synchronization engine and its end-game convergence assist must
// mutate it directly; the only other mutation path is Update.
type Machine struct {
	K, N, L int
	W       [][]int32 // K rows of N weights, each in [-L, L]
}

// New creates a Machine with uniformly random integer weights in [-L, L].
func New(k, n, l int) (*Machine, error) {
	if k < minK || k > maxK || n < minN || n > maxN || l < minL || l > maxL {
		return nil, fmt.Errorf("%w: K=%d N=%d L=%d", ErrInvalidParams, k, n, l)
	}
	m := &Machine{K: k, N: n, L: l, W: make([][]int32, k)}
	span := int64(2*l + 1)
	for row := 0; row < k; row++ {
		m.W[row] = make([]int32, n)
		for col := 0; col < n; col++ {
			v, err := randInt63n(span)
			if err != nil {
				return nil, err
			}
			m.W[row][col] = int32(v) - int32(l)
		}
	}
	return m, nil
}

// randInt63n returns a cryptographically random value in [0, n).
func randInt63n(n int64) (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(buf[:]) & (1<<63 - 1))
	return v % n, nil
}

// Input is a K×N matrix of public bits, each in {-1, +1}.
type Input [][]int8

// Forward computes the output tau and the per-neuron signs sigma for
// the given input. It never mutates the machine.
func (m *Machine) Forward(x Input) (tau int8, sigma []int8) {
	sigma = make([]int8, m.K)
	tau = 1
	for k := 0; k < m.K; k++ {
		var h int64
		row := m.W[k]
		xr := x[k]
		for n := 0; n < m.N; n++ {
			h += int64(xr[n]) * int64(row[n])
		}
		sigma[k] = sign(h)
		tau *= sigma[k]
	}
	return tau, sigma
}

// sign implements sign(0) = +1, the convention this protocol requires.
func sign(h int64) int8 {
	if h < 0 {
		return -1
	}
	return 1
}

// Update applies the weight-update rule to every hidden row whose sigma
// agrees with the consensus output, then clips. It is a no-op (returning
// false) when tauSelf != tauOther, since only agreement rounds move
// weights — the asymmetry that lets cooperating parties outpace a
// passive eavesdropper.
func (m *Machine) Update(x Input, tauSelf, tauOther int8, sigma []int8, rule Rule) bool {
	if tauSelf != tauOther {
		return false
	}
	tau := tauSelf
	l32 := int32(m.L)
	for k := 0; k < m.K; k++ {
		if sigma[k] != tau {
			continue
		}
		row := m.W[k]
		xr := x[k]
		for n := 0; n < m.N; n++ {
			switch rule {
			case RuleHebbian:
				row[n] += int32(xr[n]) * int32(sigma[k])
			case RuleAntiHebbian:
				row[n] -= int32(xr[n]) * int32(sigma[k])
			case RuleRandomWalk:
				row[n] += int32(xr[n])
			}
			row[n] = Clip(row[n], l32)
		}
	}
	return true
}

// Clip bounds v into [-l, l].
func Clip(v, l int32) int32 {
	if v > l {
		return l
	}
	if v < -l {
		return -l
	}
	return v
}

// Serialize emits W as little-endian 32-bit signed integers in row-major
// order. This layout is normative: two machines with bit-identical
// weights must serialize to identical bytes.
func (m *Machine) Serialize() []byte {
	buf := make([]byte, 0, m.K*m.N*4)
	var tmp [4]byte
	for k := 0; k < m.K; k++ {
		for n := 0; n < m.N; n++ {
			binary.LittleEndian.PutUint32(tmp[:], uint32(m.W[k][n]))
			buf = append(buf, tmp[:]...)
		}
	}
	return buf
}

// Key derives length bytes of key material from the synchronized
// weights: SHA-256(serialize(W))[:length].
func (m *Machine) Key(length int) []byte {
	return deriveKey(m.Serialize(), length)
}

// Equal reports whether two machines hold bit-identical weight matrices.
// Dimensions must match; it does not attempt any row permutation.
func Equal(a, b *Machine) bool {
	if a.K != b.K || a.N != b.N {
		return false
	}
	for k := 0; k < a.K; k++ {
		for n := 0; n < a.N; n++ {
			if a.W[k][n] != b.W[k][n] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy, used by tests that need to compare a
// machine's weights before and after an operation.
func (m *Machine) Clone() *Machine {
	out := &Machine{K: m.K, N: m.N, L: m.L, W: make([][]int32, m.K)}
	for k := range m.W {
		out.W[k] = append([]int32(nil), m.W[k]...)
	}
	return out
}
