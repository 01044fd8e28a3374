package cluster

import (
	"slices"

	"resource-locks/internal/domain"
)

// Static is a fixed membership. A single-node deployment uses it with no
// peers.
type Static struct {
	self  domain.Member
	peers []domain.Member
}

var _ domain.Membership = (*Static)(nil)

func NewStatic(self domain.Member, peers ...domain.Member) *Static {
	return &Static{self: self, peers: slices.Clone(peers)}
}

func (s *Static) Self() domain.Member { return s.self }

func (s *Static) Members() []domain.Member {
	return withSelf(slices.Clone(s.peers), s.self)
}
