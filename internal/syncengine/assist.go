package syncengine

import "github.com/rawblock/nexus/internal/tpm"

// applyConvergenceAssist is the end-game accelerant: once two machines
// are close, it nudges them the rest of the way. It is deliberately
// symmetric in the weights it touches (both sides are always written
// together) so running it on (A, B) or (B, A) produces identical
// matrices — the property that keeps this a heuristic wall-clock
// optimization rather than a protocol break.
func applyConvergenceAssist(
	a, b *tpm.Machine,
	l int,
	tauA, tauB int8,
	sigA, sigB []int8,
	x tpm.Input,
	progress float64,
	rule tpm.Rule,
) (float64, bool) {
	l32 := int32(l)

	if progress >= 0.90 {
		for k := 0; k < a.K; k++ {
			for n := 0; n < a.N; n++ {
				diff := a.W[k][n] - b.W[k][n]
				if diff == 1 || diff == -1 {
					mid := tpm.Clip(min32(a.W[k][n], b.W[k][n])+1, l32)
					a.W[k][n] = mid
					b.W[k][n] = mid
				}
			}
		}
	}

	if tauA == tauB {
		step := int32(1)
		if progress >= 0.90 {
			step = 2
		}
		boostRow(a, sigA, tauA, x, rule, step, l32)
		boostRow(b, sigB, tauB, x, rule, step, l32)
	}

	newProgress := similarity(a, b, l)
	return newProgress, tpm.Equal(a, b)
}

func boostRow(m *tpm.Machine, sigma []int8, tau int8, x tpm.Input, rule tpm.Rule, step, l32 int32) {
	if rule != tpm.RuleHebbian && rule != tpm.RuleRandomWalk {
		return
	}
	for k := 0; k < m.K; k++ {
		if sigma[k] != tau {
			continue
		}
		row := m.W[k]
		xr := x[k]
		for n := 0; n < m.N; n++ {
			switch rule {
			case tpm.RuleHebbian:
				row[n] = tpm.Clip(row[n]+step*int32(xr[n])*int32(sigma[k]), l32)
			case tpm.RuleRandomWalk:
				row[n] = tpm.Clip(row[n]+step*int32(xr[n]), l32)
			}
		}
	}
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
