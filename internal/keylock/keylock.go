package keylock

import (
	"strings"
	"sync"

	"github.com/twmb/murmur3"
)

const defaultStripes = 256

// Striped serializes work per key using a fixed pool of mutexes.
// Distinct keys may share a stripe; a caller must never hold two stripes at once.
type Striped struct {
	stripes []sync.Mutex
}

func New(stripes int) *Striped {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for the joined key parts and returns its unlock func.
func (s *Striped) Lock(parts ...string) func() {
	mu := &s.stripes[s.index(parts...)]
	mu.Lock()
	return mu.Unlock
}

func (s *Striped) index(parts ...string) int {
	key := strings.Join(parts, ":")
	return int(murmur3.Sum32([]byte(key)) % uint32(len(s.stripes)))
}
