package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAdminClient(t *testing.T) {
	var released string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/cluster/owners", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"values": {"t1 @ h:1", r.URL.Query().Get("resource")}})
	})
	mux.HandleFunc("GET /admin/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":"etcd down"}`)
	})
	mux.HandleFunc("POST /admin/cluster/release", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		released = body["resource"]
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Bare host:port, the form members advertise.
	c := NewAdminClient(strings.TrimPrefix(srv.URL, "http://"), ScopeCluster, nil)
	ctx := context.Background()

	got, err := c.FindOwningCallers(ctx, "a/b c")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"t1 @ h:1", "a/b c"}; !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}

	_, err = c.ListResourceNames(ctx)
	if err == nil || !strings.Contains(err.Error(), "etcd down") {
		t.Errorf("got %v, want server error message", err)
	}

	if err := c.ReleaseResource(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	if released != "foo" {
		t.Errorf("released %q", released)
	}

	if _, err := c.FindWaitingCallers(ctx, "x"); err == nil {
		t.Error("expected error for missing route")
	}
}
