package dispatch

import (
	"math/rand"
	"sync"
)

// Shuffler draws speaking orders from its own seeded source so that a run's
// presentation order is reproducible and independent of completion timing.
type Shuffler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewShuffler creates a shuffler seeded with seed.
func NewShuffler(seed int64) *Shuffler {
	return &Shuffler{rng: rand.New(rand.NewSource(seed))}
}

// SpeakingOrder returns a permutation of keys. The input is not modified.
func (s *Shuffler) SpeakingOrder(keys []string) []string {
	order := make([]string, len(keys))
	copy(order, keys)
	s.mu.Lock()
	s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	s.mu.Unlock()
	return order
}

// Intn draws from the shuffler's source.
func (s *Shuffler) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// Arrange reorders outcomes to follow order. Keys missing from order keep
// their relative position at the end.
func Arrange(outcomes []Outcome, order []string) []Outcome {
	byKey := ByKey(outcomes)
	out := make([]Outcome, 0, len(outcomes))
	placed := make(map[string]bool, len(order))
	for _, k := range order {
		o, ok := byKey[k]
		if !ok || placed[k] {
			continue
		}
		out = append(out, o)
		placed[k] = true
	}
	for _, o := range outcomes {
		if !placed[o.Key] {
			out = append(out, o)
		}
	}
	return out
}
