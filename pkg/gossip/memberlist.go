package gossip

import "sort"

// Member is one entry of the partial view.
type Member struct {
	ID   PeerID // derived from the peer's key
	Addr string // current reachable address
}

// MembershipView is the set of peers publishes are sent to. It is owned by a
// single goroutine and is not safe for concurrent use.
type MembershipView struct {
	members map[PeerID]Member
}

func NewMembershipView() *MembershipView {
	return &MembershipView{members: make(map[PeerID]Member)}
}

// Add registers id at addr. Adding a known peer refreshes its address. It
// reports whether the view changed.
func (v *MembershipView) Add(id PeerID, addr string) bool {
	old, ok := v.members[id]
	v.members[id] = Member{ID: id, Addr: addr}
	return !ok || old.Addr != addr
}

// Remove deletes id and reports whether it was present.
func (v *MembershipView) Remove(id PeerID) bool {
	if _, ok := v.members[id]; !ok {
		return false
	}
	delete(v.members, id)
	return true
}

func (v *MembershipView) Get(id PeerID) (Member, bool) {
	m, ok := v.members[id]
	return m, ok
}

func (v *MembershipView) Contains(id PeerID) bool {
	_, ok := v.members[id]
	return ok
}

func (v *MembershipView) Len() int { return len(v.members) }

// All returns a copy of the view ordered by PeerID.
func (v *MembershipView) All() []Member {
	out := make([]Member, 0, len(v.members))
	for _, m := range v.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
