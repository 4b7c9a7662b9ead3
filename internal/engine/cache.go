package engine

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/roach88/grafting/internal/ir"
)

// DefaultPatchCacheSize is the number of derived patches kept per engine.
const DefaultPatchCacheSize = 4096

// derived is a cached derivation. A nil patch records that the rule had
// no applicable match on that version.
type derived struct {
	patch *ir.Patch
}

// patchCache memoizes derivations by (input version, rule, order). Patch
// derivation is a pure function of those three, so a hit is always valid.
//
// The admission policy may drop a set; a miss only costs a re-derivation.
type patchCache struct {
	c *ristretto.Cache[string, derived]
}

func newPatchCache(size int64) (*patchCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, derived]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &patchCache{c: c}, nil
}

func cacheKey(input, rule ir.Hash, order ir.Order) string {
	return input.String() + ":" + rule.String() + ":" + string(order.Normalize())
}

func (pc *patchCache) get(key string) (derived, bool) {
	if pc == nil {
		return derived{}, false
	}
	return pc.c.Get(key)
}

func (pc *patchCache) put(key string, d derived) {
	if pc == nil {
		return
	}
	if pc.c.Set(key, d, 1) {
		pc.c.Wait()
	}
}

func (pc *patchCache) close() {
	if pc != nil {
		pc.c.Close()
	}
}
