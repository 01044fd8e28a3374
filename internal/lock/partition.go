package lock

import (
	"resource-locks/internal/domain"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// newPartition returns a predicate reporting whether this member is the one
// responsible for sweeping a name. Names are spread over the live members
// with rendezvous hashing so each name is swept by a single member while
// membership is stable. Without membership information every name is owned.
func newPartition(m domain.Membership) func(name string) bool {
	if m == nil {
		return func(string) bool { return true }
	}
	members := m.Members()
	if len(members) <= 1 {
		return func(string) bool { return true }
	}
	self := m.Self().ID
	ids := make([]string, 0, len(members)+1)
	seen := false
	for _, member := range members {
		ids = append(ids, member.ID)
		seen = seen || member.ID == self
	}
	// Discovery may not have caught up with our own registration yet.
	if !seen {
		ids = append(ids, self)
	}
	r := rendezvous.New(ids, xxhash.Sum64String)
	return func(name string) bool {
		return r.Lookup(name) == self
	}
}
