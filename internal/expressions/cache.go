package expressions

import "sync"

// programCache memoizes compiled programs by source text.
// Safe for concurrent use; compile runs at most once per successful key.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

func (c *programCache[P]) get(source string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[source]; ok {
		return p, nil
	}
	p, err := compile(source)
	if err != nil {
		return p, err
	}
	c.programs[source] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
