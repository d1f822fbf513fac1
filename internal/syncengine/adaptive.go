package syncengine

import "github.com/rawblock/nexus/internal/tpm"

// adaptiveState tracks progress history and cycles the learning rule
// when rounds stop improving, per the adaptive rule switching algorithm.
type adaptiveState struct {
	rule                   tpm.Rule
	history                []float64
	bestProgress           float64
	roundsSinceImprovement int
	lastSwitchRound        int
}

func newAdaptiveState() *adaptiveState {
	return &adaptiveState{rule: tpm.RuleRandomWalk}
}

// observe records this round's progress, updates best_progress using a
// 50-round moving average (or the raw sample before 50 are available),
// and switches the learning rule when stuck.
func (s *adaptiveState) observe(progress float64, round int) {
	s.history = append(s.history, progress)
	if len(s.history) > progressWindow {
		s.history = s.history[len(s.history)-progressWindow:]
	}

	if len(s.history) >= 50 {
		recentAvg := movingAverage(s.history[len(s.history)-50:])
		if recentAvg > s.bestProgress+improvementThreshold {
			s.bestProgress = recentAvg
			s.roundsSinceImprovement = 0
		} else {
			s.roundsSinceImprovement++
		}
	} else {
		if progress > s.bestProgress {
			s.bestProgress = progress
			s.roundsSinceImprovement = 0
		} else {
			s.roundsSinceImprovement++
		}
	}

	interval := 50
	if progress >= 0.85 {
		interval = 30
	}
	if s.roundsSinceImprovement >= interval && (round-s.lastSwitchRound) >= interval {
		s.rule = nextRule(s.rule)
		s.roundsSinceImprovement = 0
		s.lastSwitchRound = round
		if len(s.history) > trimmedWindow {
			s.history = s.history[len(s.history)-trimmedWindow:]
		}
	}
}

func nextRule(r tpm.Rule) tpm.Rule {
	switch r {
	case tpm.RuleRandomWalk:
		return tpm.RuleHebbian
	case tpm.RuleHebbian:
		return tpm.RuleAntiHebbian
	default:
		return tpm.RuleRandomWalk
	}
}

func movingAverage(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
