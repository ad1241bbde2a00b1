package expressions

import (
	"github.com/jellydator/ttlcache/v3"
)

// DefaultProgramCacheSize bounds the compiled programs kept per engine.
const DefaultProgramCacheSize = 1024

// programCache memoizes compiled programs by source text. Once full, the
// least recently used program is evicted. Compile errors are not cached.
type programCache[P any] struct {
	items   *ttlcache.Cache[string, P]
	compile func(source string) (P, error)
}

func newProgramCache[P any](size uint64, compile func(string) (P, error)) *programCache[P] {
	if size == 0 {
		size = DefaultProgramCacheSize
	}
	return &programCache[P]{
		items:   ttlcache.New(ttlcache.WithCapacity[string, P](size)),
		compile: compile,
	}
}

// get returns the cached program for source, compiling it on a miss. Two
// goroutines missing on the same source may both compile; the later Set wins.
func (c *programCache[P]) get(source string) (P, error) {
	if item := c.items.Get(source); item != nil {
		return item.Value(), nil
	}
	p, err := c.compile(source)
	if err != nil {
		return p, err
	}
	c.items.Set(source, p, ttlcache.NoTTL)
	return p, nil
}

func (c *programCache[P]) len() int {
	return c.items.Len()
}
