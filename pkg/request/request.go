package request

import (
	"math/rand"
	"sync"
	"time"
)

type ID = uint32

// MaxID bounds generated IDs; collisions are tolerated, the client only
// needs the echo of the ID it just sent.
const MaxID ID = 100_000

type Generator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last ID
	used bool
}

func NewGenerator() *Generator {
	return NewGeneratorWithSeed(time.Now().UnixNano())
}

func NewGeneratorWithSeed(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Next returns an ID in [0, MaxID] that differs from the previous one, so a
// late answer to the previous request can never be taken for the current one.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := ID(g.rng.Int63n(int64(MaxID) + 1))
		if g.used && id == g.last {
			continue
		}
		g.last = id
		g.used = true
		return id
	}
}
