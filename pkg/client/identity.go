package client

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MinIdentities is the smallest accepted identity pool.
const MinIdentities = 5

// DefaultIdentities are browser-like User-Agent strings used when no pool
// is configured.
var DefaultIdentities = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// IdentityPool hands out identity tokens uniformly at random.
type IdentityPool struct {
	mu         sync.Mutex
	identities []string
	rnd        *rand.Rand
}

// NewIdentityPool creates a pool. A nil source seeds from the current time.
func NewIdentityPool(identities []string, src rand.Source) (*IdentityPool, error) {
	if len(identities) < MinIdentities {
		return nil, fmt.Errorf("identity pool needs at least %d entries, got %d", MinIdentities, len(identities))
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	ids := make([]string, len(identities))
	copy(ids, identities)
	return &IdentityPool{identities: ids, rnd: rand.New(src)}, nil
}

// Pick returns a random identity.
func (p *IdentityPool) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identities[p.rnd.Intn(len(p.identities))]
}

// Size returns the number of identities.
func (p *IdentityPool) Size() int {
	return len(p.identities)
}
