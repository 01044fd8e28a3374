package domain

import "context"

// Member is one node of the cluster.
type Member struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Membership reports the nodes currently part of the cluster.
type Membership interface {
	Self() Member
	// Members returns a snapshot of live members, including Self.
	Members() []Member
}

// Registrar announces this node to the cluster until Deregister is called.
type Registrar interface {
	Register(ctx context.Context, self Member) error
	Deregister(ctx context.Context) error
}
