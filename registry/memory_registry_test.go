package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "Counter")
	if err := reg.Register(ctx, "Counter", Endpoint{Addr: "b:1"}, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "Counter", Endpoint{Addr: "a:1"}, 10); err != nil {
		t.Fatal(err)
	}

	eps, _ := reg.Discover(ctx, "Counter")
	if len(eps) != 2 || eps[0].Addr != "a:1" || eps[1].Addr != "b:1" {
		t.Fatalf("unexpected endpoints %+v", eps)
	}

	// watcher 只保留最新列表
	select {
	case got := <-updates:
		if len(got) != 2 {
			t.Fatalf("expect latest list of 2, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	reg.Deregister(ctx, "Counter", "a:1")
	got := <-updates
	if len(got) != 1 || got[0].Addr != "b:1" {
		t.Fatalf("unexpected update %+v", got)
	}

	cancel()
	for range updates {
	}
}
