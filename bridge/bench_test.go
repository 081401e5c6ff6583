package bridge

import (
	"context"
	"testing"

	"lua-bridge/inspector"
)

func setupBench(b *testing.B) *Bridge {
	_, u := startTarget(b)
	br, err := New(Options{Config: configFor(b, u)})
	if err != nil {
		b.Fatal(err)
	}
	if err := br.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(br.Dispose)
	return br
}

// One caller at a time.
func BenchmarkSerialExecute(b *testing.B) {
	ex := inspector.NewExecutor(setupBench(b))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ex.Execute(ctx, "return 1 + 2"); err != nil {
			b.Fatal(err)
		}
	}
}

// Many callers sharing one connection.
func BenchmarkConcurrentCall(b *testing.B) {
	br := setupBench(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := br.Call(ctx, "get_globals", nil); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
