package observer

import "testing"

func TestRegistrationOrder(t *testing.T) {
	var r Registry[func(*[]int)]
	r.Add(func(out *[]int) { *out = append(*out, 1) })
	r.Add(func(out *[]int) { *out = append(*out, 2) })
	r.Add(func(out *[]int) { *out = append(*out, 3) })

	var got []int
	for _, fn := range r.Snapshot() {
		fn(&got)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expect [1 2 3], got %v", got)
	}
}

func TestDisposeRemovesOnlyThatRegistration(t *testing.T) {
	var r Registry[func() string]
	r.Add(func() string { return "a" })
	disposeB := r.Add(func() string { return "b" })
	r.Add(func() string { return "a" })

	disposeB()
	disposeB()

	if r.Len() != 2 {
		t.Fatalf("expect 2 registrations, got %d", r.Len())
	}
	for _, fn := range r.Snapshot() {
		if fn() == "b" {
			t.Fatal("disposed callback still registered")
		}
	}
}

func TestSnapshotSurvivesMutationDuringDispatch(t *testing.T) {
	var r Registry[func()]
	calls := 0
	var disposeSelf func()
	disposeSelf = r.Add(func() {
		calls++
		disposeSelf()
		r.Add(func() { calls += 100 })
	})
	r.Add(func() { calls += 10 })

	for _, fn := range r.Snapshot() {
		fn()
	}
	if calls != 11 {
		t.Fatalf("expect only the snapshot to run (11), got %d", calls)
	}

	calls = 0
	for _, fn := range r.Snapshot() {
		fn()
	}
	if calls != 110 {
		t.Fatalf("expect second dispatch to see the mutation (110), got %d", calls)
	}
}

func TestClear(t *testing.T) {
	var r Registry[func()]
	dispose := r.Add(func() {})
	r.Clear()
	dispose()
	if r.Len() != 0 {
		t.Fatalf("expect empty registry, got %d", r.Len())
	}
}
