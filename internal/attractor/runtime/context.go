package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Context is the process-local key/value store threaded through a pipeline
// run. It is owned by the Runner while a stage is in flight; handlers only
// see updates applied through their returned Outcome.
//
// Keys with a leading underscore are private: they are excluded from the
// compact and summary:medium fidelity preambles (summary:high includes them).
// The Runner's own bookkeeping keys (current_node, previous_node, outcome,
// ...) carry no underscore.
type Context struct {
	mu     sync.Mutex
	values map[string]any
	logs   []string
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]any{}
	}
	c.values[key] = value
}

// Get returns the value stored under key and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value under key stringified, or def if absent.
func (c *Context) GetString(key string, def string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key, if present.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Snapshot returns a deep-cloned copy of the value map.
func (c *Context) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMap(c.values)
}

// SnapshotLogs returns a copy of the append-only log.
func (c *Context) SnapshotLogs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.logs...)
}

// AppendLog appends a line to the context's log.
func (c *Context) AppendLog(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, line)
}

// ApplyUpdates merges updates into the context's values (last write wins).
func (c *Context) ApplyUpdates(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]any{}
	}
	for k, v := range updates {
		c.values[k] = cloneValue(v)
	}
}

// Clone returns a deep copy of the Context, including its log. Values that
// cannot be deep-cloned (anything outside the JSON-like value space) are
// reused by reference — a documented, same-process-only degradation.
func (c *Context) Clone() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Context{
		values: cloneMap(c.values),
		logs:   append([]string{}, c.logs...),
	}
}

// NonPrivateKeys returns the sorted list of keys without a leading
// underscore, used by compact/summary fidelity preambles.
func (c *Context) NonPrivateKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.values {
		if !strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string{}, t...)
	default:
		// Scalars (string, bool, numeric types) and any other opaque value
		// are immutable or shared by reference; Go has no generic deep-copy
		// for arbitrary types without reflection, and the spec explicitly
		// allows degrading to shared references for unclonable values.
		return v
	}
}
