package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Register(ctx, Instance{Name: "studio", Addr: "ws://b:1/"}, 10)
	reg.Register(ctx, Instance{Name: "studio", Addr: "ws://a:1/"}, 10)
	reg.Register(ctx, Instance{Name: "other", Addr: "ws://c:1/"}, 10)

	instances, err := reg.Discover(ctx, "studio")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 || instances[0].Addr != "ws://a:1/" || instances[1].Addr != "ws://b:1/" {
		t.Fatalf("expect sorted [a b], got %+v", instances)
	}

	reg.Deregister(ctx, "studio", "ws://a:1/")
	instances, _ = reg.Discover(ctx, "studio")
	if len(instances) != 1 || instances[0].Addr != "ws://b:1/" {
		t.Fatalf("expect [b] after deregister, got %+v", instances)
	}

	if instances, _ := reg.Discover(ctx, "missing"); len(instances) != 0 {
		t.Fatalf("expect no instances for unknown name, got %+v", instances)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "studio")
	reg.Register(ctx, Instance{Name: "studio", Addr: "ws://a:1/"}, 10)
	reg.Register(ctx, Instance{Name: "studio", Addr: "ws://b:1/"}, 10)

	list := <-updates
	if len(list) != 2 {
		t.Fatalf("expect the latest list with 2 instances, got %+v", list)
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			// A final update may race the cancellation; the channel must still close.
			if _, ok := <-updates; ok {
				t.Fatal("expect channel to close")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
