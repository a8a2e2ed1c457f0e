package objcache

import "github.com/google/btree"

// index is the ordered map from (hash, kind order, identity bytes) to
// entries. Lookup, insert and delete are logarithmic; the in-order walk
// is used at teardown.
type index struct {
	tree *btree.BTreeG[*entry]
}

func newIndex() *index {
	return &index{tree: btree.NewG(8, entryLess)}
}

// entryLess is the ternary comparator: murmur2 hash first, then kind
// order, then lexicographic identity bytes.
func entryLess(a, b *entry) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	if a.kind.Order != b.kind.Order {
		return a.kind.Order < b.kind.Order
	}
	return a.key.Data < b.key.Data
}

func (ix *index) lookup(hash uint32, kind *Kind, id Key) *entry {
	probe := &entry{hash: hash, kind: kind, key: id}
	e, ok := ix.tree.Get(probe)
	if !ok {
		return nil
	}
	return e
}

func (ix *index) insert(e *entry) {
	ix.tree.ReplaceOrInsert(e)
}

func (ix *index) delete(e *entry) {
	ix.tree.Delete(e)
}

func (ix *index) len() int {
	return ix.tree.Len()
}

// walk visits every entry in comparator order.
func (ix *index) walk(fn func(*entry)) {
	ix.tree.Ascend(func(e *entry) bool {
		fn(e)
		return true
	})
}
