package hashid

import "sync"

// Relations maintains the equivalence graph between HashIds that refer to
// the same logical track. Implemented as a union-find over shared group
// objects: every id maps to a *group it is currently a member of, and a
// group records its full membership so group_of is O(1) after path lookup.
type Relations struct {
	mu     sync.Mutex
	groups map[uint32]*group
}

type group struct {
	members map[uint32]struct{}
}

// NewRelations returns an empty equivalence relation.
func NewRelations() *Relations {
	return &Relations{groups: make(map[uint32]*group)}
}

func (r *Relations) singleton(id uint32) *group {
	g, ok := r.groups[id]
	if !ok {
		g = &group{members: map[uint32]struct{}{id: {}}}
		r.groups[id] = g
	}
	return g
}

// MarkAsEquivalent unions every id in ids into a single group, merging any
// pre-existing groups they belonged to. A no-op if they are already in the
// same group.
func (r *Relations) MarkAsEquivalent(ids []uint32) {
	if len(ids) < 2 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.singleton(ids[0])
	for _, id := range ids[1:] {
		g := r.singleton(id)
		if g == merged {
			continue
		}
		for m := range g.members {
			merged.members[m] = struct{}{}
			r.groups[m] = merged
		}
	}
}

// GroupOf returns every member of id's equivalence group, including id
// itself. For an id with no recorded equivalences the result is {id}.
func (r *Relations) GroupOf(id uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return []uint32{id}
	}
	out := make([]uint32, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	return out
}

// OthersEquivalentTo returns GroupOf(id) minus id itself.
func (r *Relations) OthersEquivalentTo(id uint32) []uint32 {
	all := r.GroupOf(id)
	out := make([]uint32, 0, len(all))
	for _, m := range all {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// AreEquivalent reports whether a and b belong to the same group.
func (r *Relations) AreEquivalent(a, b uint32) bool {
	if a == b {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ga, aok := r.groups[a]
	gb, bok := r.groups[b]
	if !aok || !bok {
		return false
	}
	return ga == gb
}
