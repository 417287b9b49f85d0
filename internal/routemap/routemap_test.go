package routemap

import (
	"sort"
	"testing"

	"distbuildctl/internal/errors"
)

func TestAdd_GetIncoming(t *testing.T) {
	r := New()
	r.Add("build-1", "exec-1")

	incoming, err := r.GetIncoming("exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incoming != "build-1" {
		t.Errorf("expected build-1, got %s", incoming)
	}
}

func TestAdd_SamePairIsNoOp(t *testing.T) {
	r := New()
	r.Add("build-1", "exec-1")
	r.Add("build-1", "exec-1")

	incoming, err := r.GetIncoming("exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incoming != "build-1" {
		t.Errorf("expected build-1, got %s", incoming)
	}
}

func TestAdd_ConflictingOutgoingPanics(t *testing.T) {
	r := New()
	r.Add("build-1", "exec-1")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on conflicting route")
		}
	}()
	r.Add("build-2", "exec-1")
}

func TestGetIncoming_NotFound(t *testing.T) {
	r := New()
	_, err := r.GetIncoming("missing")
	if err == nil {
		t.Fatal("expected error for unmapped outgoing id")
	}
	apiErr, ok := err.(*errors.APIError)
	if !ok {
		t.Fatalf("expected *errors.APIError, got %T", err)
	}
	if apiErr.Code != errors.ErrCodeRouteNotFound {
		t.Errorf("expected ErrCodeRouteNotFound, got %s", apiErr.Code)
	}
}

func TestGetOutgoing_FanOut(t *testing.T) {
	r := New()
	r.Add("build-1", "exec-1")
	r.Add("build-1", "exec-2")
	r.Add("build-2", "exec-3")

	out := r.GetOutgoing("build-1")
	sort.Strings(out)
	if len(out) != 2 || out[0] != "exec-1" || out[1] != "exec-2" {
		t.Errorf("expected [exec-1 exec-2], got %v", out)
	}

	if out := r.GetOutgoing("build-nonexistent"); len(out) != 0 {
		t.Errorf("expected no routes, got %v", out)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Add("build-1", "exec-1")

	if err := r.Remove("exec-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.GetIncoming("exec-1"); err == nil {
		t.Fatal("expected route to be gone after Remove")
	}
}

func TestRemove_NotFound(t *testing.T) {
	r := New()
	if err := r.Remove("missing"); err == nil {
		t.Fatal("expected error removing an unmapped outgoing id")
	}
}
