package registry

import "testing"

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register("cache", "redis-client")

	v, ok := r.Get("cache")
	if !ok || v != "redis-client" {
		t.Fatalf("Get(cache) = %v, %v; want redis-client, true", v, ok)
	}
}

func TestSealRejectsNewKeys(t *testing.T) {
	r := New()
	r.Register("cache", "redis-client")
	r.Seal()

	defer func() {
		if recover() == nil {
			t.Fatal("Register after Seal should panic for a non-reentrant key")
		}
	}()
	r.Register("db.users", "pg-pool")
}

func TestSealAllowsReentrantSchedulerKey(t *testing.T) {
	r := New()
	r.Register("scheduler", "sched-v1")
	r.Seal()

	r.Register("scheduler", "sched-v2")
	v, _ := r.Get("scheduler")
	if v != "sched-v2" {
		t.Fatalf("scheduler re-registration did not take effect: got %v", v)
	}
}

func TestGetMissingKey(t *testing.T) {
	r := New()
	if _, ok := r.Get("nope"); ok {
		t.Fatal("Get on an unregistered key should return ok=false")
	}
}

func TestKeys(t *testing.T) {
	r := New()
	r.Register("cache", 1)
	r.Register("db.users", 2)

	keys := r.Keys()
	if len(keys) != 2 {
		t.Fatalf("len(Keys()) = %d, want 2", len(keys))
	}
}

func TestFilteredViewOnlyExposesDeclaredServices(t *testing.T) {
	r := New()
	r.Register("cache", "redis-client")
	r.Register("db.users", "pg-pool")
	r.Seal()

	view := r.View([]string{"cache"})

	if v, ok := view.Get("cache"); !ok || v != "redis-client" {
		t.Fatalf("view.Get(cache) = %v, %v; want redis-client, true", v, ok)
	}
	if _, ok := view.Get("db.users"); ok {
		t.Fatal("view should not expose a service the plugin did not declare")
	}
}
