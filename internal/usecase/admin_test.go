package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"testing"
	"time"

	"resource-locks/internal/domain"
	"resource-locks/internal/lock"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hold(t *testing.T, f *lock.LocalFactory, name string, caller domain.CallerID, exclusive bool) *lock.SemaphoreLock {
	t.Helper()
	l := f.Lock(name)
	var err error
	if exclusive {
		err = l.LockExclusive(context.Background(), caller)
	} else {
		err = l.LockShared(context.Background(), caller)
	}
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLockAdmin(t *testing.T) {
	ctx := context.Background()
	f := lock.NewLocalFactory(discardLogger())
	a := NewLockAdmin(f, discardLogger())

	foo := hold(t, f, "foo", "t1", true)
	bar := hold(t, f, "bar", "t1", false)
	hold(t, f, "bar", "t2", false)

	waiting := make(chan error, 1)
	go func() { waiting <- foo.LockShared(ctx, "t3") }()
	deadline := time.Now().Add(2 * time.Second)
	for len(foo.Waiters()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("t3 never started waiting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	check := func(name string, got []string, err error, want []string) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !cmp.Equal(got, want) {
			t.Errorf("%s: %s", name, cmp.Diff(got, want))
		}
	}

	got, err := a.ListResourceNames(ctx)
	check("resources", got, err, []string{"bar", "foo"})
	got, err = a.FindOwningCallers(ctx, "bar")
	check("owners bar", got, err, []string{"t1", "t2"})
	got, err = a.FindWaitingCallers(ctx, "foo")
	check("waiters foo", got, err, []string{"t3"})
	got, err = a.FindOwnedResources(ctx, "t1")
	check("owned t1", got, err, []string{"bar", "foo"})
	got, err = a.FindWaitedResources(ctx, "t3")
	check("waited t3", got, err, []string{"foo"})
	got, err = a.FindOwningCallers(ctx, "missing")
	check("owners missing", got, err, []string{})

	if err := a.ReleaseResource(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-waiting:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not admitted after forced release")
	}
	got, err = a.FindOwningCallers(ctx, "foo")
	check("owners foo after release", got, err, []string{"t3"})

	if err := a.ReleaseResource(ctx, "missing"); err != nil {
		t.Errorf("release of unknown resource: %v", err)
	}
	runtime.KeepAlive(bar)
}

var errMemberDown = errors.New("member down")

type failingAdmin struct{}

func (failingAdmin) ListResourceNames(context.Context) ([]string, error) { return nil, errMemberDown }
func (failingAdmin) FindOwningCallers(context.Context, string) ([]string, error) {
	return nil, errMemberDown
}
func (failingAdmin) FindWaitingCallers(context.Context, string) ([]string, error) {
	return nil, errMemberDown
}
func (failingAdmin) FindOwnedResources(context.Context, string) ([]string, error) {
	return nil, errMemberDown
}
func (failingAdmin) FindWaitedResources(context.Context, string) ([]string, error) {
	return nil, errMemberDown
}
func (failingAdmin) ReleaseResource(context.Context, string) error { return errMemberDown }

type staticMembership struct {
	self    domain.Member
	members []domain.Member
}

func (m staticMembership) Self() domain.Member      { return m.self }
func (m staticMembership) Members() []domain.Member { return m.members }

func TestClusterAdmin(t *testing.T) {
	ctx := context.Background()
	selfFactory := lock.NewLocalFactory(discardLogger())
	peerFactory := lock.NewLocalFactory(discardLogger())
	selfAdmin := NewLockAdmin(selfFactory, discardLogger())
	peerAdmin := NewLockAdmin(peerFactory, discardLogger())

	self := domain.Member{ID: "n1", Addr: "10.0.0.1:8080"}
	peer := domain.Member{ID: "n2", Addr: "10.0.0.2:8080"}
	down := domain.Member{ID: "n3", Addr: "10.0.0.3:8080"}
	membership := staticMembership{self: self, members: []domain.Member{self, peer, down}}

	var dialed []string
	c := NewClusterAdmin(selfAdmin, membership, func(addr string) domain.LockAdmin {
		dialed = append(dialed, addr)
		switch addr {
		case peer.Addr:
			return peerAdmin
		default:
			return failingAdmin{}
		}
	}, time.Second, discardLogger())

	a := hold(t, selfFactory, "foo", "t1", false)
	b := hold(t, peerFactory, "foo", "t1", false)
	p := hold(t, peerFactory, "bar", "t9", true)

	names, err := c.ListResourceNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"bar", "foo"}; !cmp.Equal(names, want) {
		t.Error(cmp.Diff(names, want))
	}

	owners, err := c.FindOwningCallers(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{TagCaller("t1", self.Addr), TagCaller("t1", peer.Addr)}
	if !cmp.Equal(owners, want) {
		t.Error(cmp.Diff(owners, want))
	}

	// A tagged caller is only looked up on its own member.
	owned, err := c.FindOwnedResources(ctx, TagCaller("t9", peer.Addr))
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(owned, []string{"bar"}) {
		t.Errorf("owned t9 = %v", owned)
	}
	owned, err = c.FindOwnedResources(ctx, TagCaller("t9", self.Addr))
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 0 {
		t.Errorf("t9 found on the wrong member: %v", owned)
	}

	if err := c.ReleaseResource(ctx, "foo"); err != nil {
		t.Fatalf("release with one member down: %v", err)
	}
	if len(a.Owners()) != 0 || len(b.Owners()) != 0 {
		t.Errorf("owners after cluster release: %v %v", a.Owners(), b.Owners())
	}

	// Clients are created once per member.
	slices.Sort(dialed)
	if want := []string{peer.Addr, down.Addr}; !cmp.Equal(dialed, want) {
		t.Errorf("dialed = %v", dialed)
	}
	runtime.KeepAlive(p)
}

func TestClusterAdminAllMembersFail(t *testing.T) {
	self := domain.Member{ID: "n1", Addr: "a:1"}
	c := NewClusterAdmin(failingAdmin{}, staticMembership{self: self, members: []domain.Member{self}}, nil, time.Second, discardLogger())
	if _, err := c.ListResourceNames(context.Background()); !errors.Is(err, errMemberDown) {
		t.Fatalf("got %v, want errMemberDown", err)
	}
	if err := c.ReleaseResource(context.Background(), "x"); err == nil {
		t.Fatal("release succeeded with every member down")
	}
}

func TestSplitCaller(t *testing.T) {
	id, addr, ok := SplitCaller(TagCaller("abc", "h:1"))
	if !ok || id != "abc" || addr != "h:1" {
		t.Errorf("SplitCaller = %q %q %v", id, addr, ok)
	}
	if _, _, ok := SplitCaller("plain"); ok {
		t.Error("untagged id reported as tagged")
	}
}
