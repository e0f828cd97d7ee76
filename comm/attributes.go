package comm

import "sync"

// AttrKey identifies a communicator attribute slot. Keys are process-global
// and carry optional copy and delete behaviour registered at creation.
type AttrKey int

// AttrCopyFunc decides what a duplicated communicator inherits for one
// attribute. Returning false drops the attribute from the duplicate.
type AttrCopyFunc func(v any) (any, bool)

// AttrDeleteFunc observes an attribute being discarded, either explicitly or
// because its communicator was freed.
type AttrDeleteFunc func(v any)

type attrEntry struct {
	copy   AttrCopyFunc
	delete AttrDeleteFunc
}

var attrRegistry = struct {
	mu      sync.Mutex
	next    AttrKey
	entries map[AttrKey]attrEntry
}{entries: make(map[AttrKey]attrEntry)}

// CreateAttrKey registers a new attribute key. The callbacks are consulted
// explicitly by Communicator.Dup and Communicator.Free; either may be nil.
// A nil copy callback shares the value with the duplicate unchanged.
func CreateAttrKey(copyFn AttrCopyFunc, deleteFn AttrDeleteFunc) AttrKey {
	attrRegistry.mu.Lock()
	defer attrRegistry.mu.Unlock()
	key := attrRegistry.next
	attrRegistry.next++
	attrRegistry.entries[key] = attrEntry{copy: copyFn, delete: deleteFn}
	return key
}

// FreeAttrKey removes a key from the registry. Values already cached on
// communicators under this key lose their callbacks but remain readable.
func FreeAttrKey(key AttrKey) {
	attrRegistry.mu.Lock()
	defer attrRegistry.mu.Unlock()
	delete(attrRegistry.entries, key)
}

func lookupAttrEntry(key AttrKey) (attrEntry, bool) {
	attrRegistry.mu.Lock()
	defer attrRegistry.mu.Unlock()
	entry, ok := attrRegistry.entries[key]
	return entry, ok
}

// SetAttr caches a value on the communicator under key. An existing value
// under the same key is deleted first, running its delete callback.
func (c *Communicator) SetAttr(key AttrKey, v any) error {
	if err := c.check(); err != nil {
		return err
	}
	c.attrMu.Lock()
	prev, had := c.attrs[key]
	c.attrs[key] = v
	c.attrMu.Unlock()
	if had {
		if entry, ok := lookupAttrEntry(key); ok && entry.delete != nil {
			entry.delete(prev)
		}
	}
	return nil
}

// Attr returns the value cached under key, if any.
func (c *Communicator) Attr(key AttrKey) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// DeleteAttr removes the value cached under key, running its delete callback.
func (c *Communicator) DeleteAttr(key AttrKey) {
	if c == nil {
		return
	}
	c.attrMu.Lock()
	v, ok := c.attrs[key]
	delete(c.attrs, key)
	c.attrMu.Unlock()
	if !ok {
		return
	}
	if entry, regOK := lookupAttrEntry(key); regOK && entry.delete != nil {
		entry.delete(v)
	}
}

func (c *Communicator) copyAttrsTo(dup *Communicator) {
	c.attrMu.Lock()
	snapshot := make(map[AttrKey]any, len(c.attrs))
	for k, v := range c.attrs {
		snapshot[k] = v
	}
	c.attrMu.Unlock()

	for k, v := range snapshot {
		entry, ok := lookupAttrEntry(k)
		if !ok {
			continue
		}
		kept := v
		if entry.copy != nil {
			copied, keep := entry.copy(v)
			if !keep {
				continue
			}
			kept = copied
		}
		dup.attrMu.Lock()
		dup.attrs[k] = kept
		dup.attrMu.Unlock()
	}
}

func (c *Communicator) deleteAttrs() {
	c.attrMu.Lock()
	attrs := c.attrs
	c.attrs = make(map[AttrKey]any)
	c.attrMu.Unlock()
	for k, v := range attrs {
		if entry, ok := lookupAttrEntry(k); ok && entry.delete != nil {
			entry.delete(v)
		}
	}
}
