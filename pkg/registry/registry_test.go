package registry

import "testing"

func TestRegisterGetAndDuplicateRejected(t *testing.T) {
	r := New()
	if err := r.Register("adt-in", "handle-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("adt-in", "handle-b"); err != ErrHostExists {
		t.Fatalf("expected ErrHostExists, got %v", err)
	}
	h, ok := r.Get("adt-in")
	if !ok || h != "handle-a" {
		t.Fatalf("expected handle-a, got %v (ok=%v)", h, ok)
	}
}

func TestReplaceSwapsWithoutUnregister(t *testing.T) {
	r := New()
	_ = r.Register("router", "gen1")
	r.Replace("router", "gen2")
	h, ok := r.Get("router")
	if !ok || h != "gen2" {
		t.Fatalf("expected gen2 after replace, got %v", h)
	}
}

func TestNamesSortedAndUnregisterRemoves(t *testing.T) {
	r := New()
	_ = r.Register("b", 1)
	_ = r.Register("a", 2)
	if got := r.Names(); got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected sorted names, got %v", got)
	}
	r.Unregister("a")
	if _, ok := r.Get("a"); ok {
		t.Fatal("expected a to be unregistered")
	}
}
