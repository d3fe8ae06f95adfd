// Package memory implements the encrypted long-term memory store: bounded
// global and per-user collections sealed at rest, ranked by cosine similarity
// of their summary embeddings, with an optional write-through cache.
package memory

// Entry is one remembered fact. Summary is the only embedded field; FullText
// is returned on detail lookup and never embedded. Embedding is nil when the
// embedder failed, in which case the entry always scores 0 in searches.
type Entry struct {
	Summary   string
	Embedding []float32
	FullText  string
}

// Collection is an ordered FIFO of entries, oldest first. Storing whole
// entries keeps summary, embedding and full text aligned by construction.
//
// A Collection is not safe for concurrent use; Store serializes access.
type Collection struct {
	entries []Entry
}

// NewCollection returns a collection holding a copy of entries.
func NewCollection(entries ...Entry) *Collection {
	c := &Collection{}
	c.entries = append(c.entries, entries...)
	return c
}

// Len returns the number of entries.
func (c *Collection) Len() int {
	return len(c.entries)
}

// Append adds e at the end. When the collection already holds limit or more
// entries the single oldest entry is evicted first. limit <= 0 disables the
// bound. It returns the new length and whether an eviction happened.
//
// The limit is only enforced here: a collection loaded above a since-lowered
// limit shrinks by at most one entry per append.
func (c *Collection) Append(e Entry, limit int) (size int, evicted bool) {
	if limit > 0 && len(c.entries) >= limit {
		copy(c.entries, c.entries[1:])
		c.entries[len(c.entries)-1] = Entry{}
		c.entries = c.entries[:len(c.entries)-1]
		evicted = true
	}
	c.entries = append(c.entries, e)
	return len(c.entries), evicted
}

// At returns the entry at the 1-based index.
func (c *Collection) At(index int) (Entry, bool) {
	if index < 1 || index > len(c.entries) {
		return Entry{}, false
	}
	return c.entries[index-1], true
}

// Delete removes the entry at the 1-based index; later entries shift down by
// one. It reports whether an entry was removed.
func (c *Collection) Delete(index int) bool {
	if index < 1 || index > len(c.entries) {
		return false
	}
	c.entries = append(c.entries[:index-1], c.entries[index:]...)
	return true
}

// Summaries returns the summaries in collection order.
func (c *Collection) Summaries() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Summary
	}
	return out
}

// Entries returns a shallow copy of the entries.
func (c *Collection) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

func (c *Collection) embeddings() [][]float32 {
	out := make([][]float32, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Embedding
	}
	return out
}
