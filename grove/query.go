package grove

/*
	Path queries run a layered query over the forest: the path names the
	subtree to start in, the query selects keys there, and subquery branches
	descend into matched subtree elements. Results carry the absolute path
	each element was resolved at.
*/

import (
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/element"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/merk"
	"github.com/grovekv/grovekv/query"
)

// PathQuery pairs a subtree path with a query over it
type PathQuery struct {
	Path  [][]byte
	Query *query.Query
	// Limit caps the number of resolved results across all descent levels
	Limit *uint16
}

// QueryResultEntry is one element a path query resolved
type QueryResultEntry struct {
	Path    [][]byte
	Key     []byte
	Element *element.Element
}

// RunPathQuery() resolves a path query against the current (uncommitted) state
func (g *GroveDB) RunPathQuery(pq *PathQuery) costs.Result[[]QueryResultEntry] {
	var acc costs.Cost
	if pq == nil || pq.Query == nil || len(pq.Query.Items) == 0 {
		return costs.ErrWithCost[[]QueryResultEntry](ErrInvalidQuery("path query selects nothing"), acc)
	}
	cache := g.newMerkCache()
	var left *uint16
	if pq.Limit != nil {
		l := *pq.Limit
		left = &l
	}
	var out []QueryResultEntry
	if err := g.runQuery(&acc, cache, pq.Path, pq.Query, left, &out); err != nil {
		return costs.ErrWithCost[[]QueryResultEntry](err, acc)
	}
	return costs.WrapWithCost(out, acc)
}

// runQuery() scans one subtree in query order, collecting matched elements and
// descending into the branches claiming them
func (g *GroveDB) runQuery(acc *costs.Cost, cache *merkCache, path [][]byte,
	q *query.Query, left *uint16, out *[]QueryResultEntry) lib.ErrorI {
	// the path must resolve to a merk subtree before its storage is scanned
	if _, err := cache.merkAt(acc, path); err != nil {
		return err
	}
	ctx := g.contextAt(path)
	var it lib.IteratorI
	var err lib.ErrorI
	if q.LeftToRight {
		it, err = ctx.Iterator(nil)
	} else {
		it, err = ctx.RevIterator(nil)
	}
	if err != nil {
		return err
	}
	defer it.Close()
	acc.SeekCount++
	for ; it.Valid(); it.Next() {
		if left != nil && *left == 0 {
			return nil
		}
		node, e := merk.DecodeNode(lib.CopyBytes(it.Key()), it.Value())
		if e != nil {
			return e
		}
		if !q.ContainsKey(node.Key) {
			continue
		}
		acc.StorageLoadedBytes += uint64(len(node.Value))
		elem, e := element.Deserialize(node.Value)
		if e != nil {
			return e
		}
		branch := branchForKey(q, node.Key)
		if branch.IsEmpty() {
			if e = g.collect(acc, cache, path, node.Key, elem, left, out); e != nil {
				return e
			}
			continue
		}
		if !elem.IsTree() {
			// branches only descend through merk subtrees; anything else
			// resolves in place
			if e = g.collect(acc, cache, path, node.Key, elem, left, out); e != nil {
				return e
			}
			continue
		}
		if e = g.descend(acc, cache, childPath(path, node.Key), branch, left, out); e != nil {
			return e
		}
	}
	return nil
}

// descend() follows a subquery branch: walk its fixed path segments, then run
// its subquery (or resolve the terminal path key when there is none)
func (g *GroveDB) descend(acc *costs.Cost, cache *merkCache, path [][]byte,
	branch *query.SubqueryBranch, left *uint16, out *[]QueryResultEntry) lib.ErrorI {
	if branch.Subquery == nil {
		// a bare subquery path resolves the single element it names
		target := path
		for _, seg := range branch.SubqueryPath[:len(branch.SubqueryPath)-1] {
			target = childPath(target, seg)
		}
		key := branch.SubqueryPath[len(branch.SubqueryPath)-1]
		elem, err := cache.elementAt(acc, target, key)
		if err != nil {
			return err
		}
		if elem == nil {
			return nil
		}
		return g.collect(acc, cache, target, key, elem, left, out)
	}
	for _, seg := range branch.SubqueryPath {
		path = childPath(path, seg)
	}
	return g.runQuery(acc, cache, path, branch.Subquery, left, out)
}

// collect() appends one resolved element, following references to their target
func (g *GroveDB) collect(acc *costs.Cost, cache *merkCache, path [][]byte, key []byte,
	elem *element.Element, left *uint16, out *[]QueryResultEntry) lib.ErrorI {
	if left != nil {
		if *left == 0 {
			return nil
		}
		*left--
	}
	if elem.Type == element.TypeReference {
		tPath, tKey, target, err := cache.followReference(acc, path, key, elem)
		if err != nil {
			return err
		}
		path, key, elem = tPath, tKey, target
	}
	*out = append(*out, QueryResultEntry{Path: path, Key: key, Element: elem})
	return nil
}

// branchForKey() returns the branch that governs a matched key, conditionals
// consulted in order before the default
func branchForKey(q *query.Query, key []byte) *query.SubqueryBranch {
	for i := range q.ConditionalSubqueryBranches {
		if ok, _ := q.ConditionalSubqueryBranches[i].Item.ContainsKey(key); ok {
			return &q.ConditionalSubqueryBranches[i].Branch
		}
	}
	if !q.DefaultSubqueryBranch.IsEmpty() {
		return &q.DefaultSubqueryBranch
	}
	return nil
}
