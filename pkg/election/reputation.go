package election

import "sync"

// Reputation EMA coefficients: R(T) = alpha*R(T-1) + beta*C(T), where
// C(T) is 1 for a successful interaction and 0 for a failed one.
const (
	reputationAlpha = 0.4
	reputationBeta  = 0.6

	initialReputationScore = 0.5
	historyLimit           = 100
)

// Reputation tracks one node's own exponential-moving-average trust
// score, feeding the ReputationScore eligibility input for self-candidacy
// (spec §3 eligibility predicate).
type Reputation struct {
	mu sync.Mutex

	score     float64
	successes uint64
	failures  uint64
	history   []float64
}

// NewReputation starts a Reputation at the neutral initial score.
func NewReputation() *Reputation {
	return &Reputation{score: initialReputationScore}
}

// Update records one interaction outcome and returns the new score.
func (r *Reputation) Update(success bool) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, r.score)
	if len(r.history) > historyLimit {
		r.history = r.history[1:]
	}

	contribution := 0.0
	if success {
		r.successes++
		contribution = 1.0
	} else {
		r.failures++
	}

	r.score = clamp(reputationAlpha*r.score+reputationBeta*contribution, 0, 1)
	return r.score
}

// Score returns the current reputation score.
func (r *Reputation) Score() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score
}

// Trend is the current score minus the average of the last 10 recorded
// scores; positive means improving, negative means declining.
func (r *Reputation) Trend() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) < 2 {
		return 0
	}
	n := len(r.history)
	start := n - 10
	if start < 0 {
		start = 0
	}
	window := r.history[start:]
	var sum float64
	for _, s := range window {
		sum += s
	}
	return r.score - sum/float64(len(window))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
