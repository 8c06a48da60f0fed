package protocol

import "github.com/kfcemployee/httpcore/server/memory"

// Header is one key/value entry; both slices live in the request's pool.
type Header struct {
	Key, Val []byte
}

// HeaderTable is a case-insensitive ordered multimap. insertion order is
// preserved; lookups return the first match. linear scan, header counts
// are small.
type HeaderTable struct {
	entries []Header
}

// Insert copies key and val into pool memory and appends the entry.
func (t *HeaderTable) Insert(p *memory.Pool, key, val []byte) {
	t.entries = append(t.entries, Header{Key: p.Copy(key), Val: p.Copy(val)})
}

func (t *HeaderTable) InsertString(p *memory.Pool, key, val string) {
	t.entries = append(t.entries, Header{Key: p.CopyString(key), Val: p.CopyString(val)})
}

// Lookup returns the first value for key, or nil.
func (t *HeaderTable) Lookup(key string) []byte {
	for i := range t.entries {
		if equalFold(t.entries[i].Key, key) {
			return t.entries[i].Val
		}
	}
	return nil
}

func (t *HeaderTable) Len() int {
	return len(t.entries)
}

func (t *HeaderTable) Entries() []Header {
	return t.entries
}

// Clear drops all entries. the backing strings die with the pool.
func (t *HeaderTable) Clear() {
	t.entries = t.entries[:0]
}

// KeyEquals compares a wire header key against a lowercase name,
// ascii case-insensitively.
func KeyEquals(key []byte, name string) bool {
	return equalFold(key, name)
}

// ascii case-insensitive compare of a wire key against a literal
func equalFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		x, y := b[i], s[i]
		if 'A' <= x && x <= 'Z' {
			x += 'a' - 'A'
		}
		if 'A' <= y && y <= 'Z' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}
	return true
}
