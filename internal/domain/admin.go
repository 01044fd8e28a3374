package domain

import "context"

// LockAdmin is the administrative query and command surface of a lock factory.
// Inputs and outputs are strings so the same contract works across processes.
type LockAdmin interface {
	ListResourceNames(ctx context.Context) ([]string, error)
	FindOwningCallers(ctx context.Context, resource string) ([]string, error)
	FindWaitingCallers(ctx context.Context, resource string) ([]string, error)
	FindOwnedResources(ctx context.Context, caller string) ([]string, error)
	FindWaitedResources(ctx context.Context, caller string) ([]string, error)
	// ReleaseResource force-unwinds every hold on resource. It is an operator
	// escape hatch and bypasses normal ownership rules.
	ReleaseResource(ctx context.Context, resource string) error
}
