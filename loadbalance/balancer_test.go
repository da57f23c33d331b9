package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"worker-runner/registry"
)

var testEndpoints = []registry.Endpoint{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all endpoints
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		ep, err := b.Pick(testEndpoints, "")
		if err != nil {
			t.Fatal(err)
		}
		results[i] = ep.Addr
	}
	if results[0] != ":8001" || results[1] != ":8002" || results[2] != ":8003" {
		t.Fatalf("unexpected order %v", results)
	}

	// Pick again, should wrap around to first
	ep, _ := b.Pick(testEndpoints, "")
	if ep.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], ep.Addr)
	}
}

func TestEmpty(t *testing.T) {
	for _, name := range []string{"roundrobin", "weighted", "hash"} {
		b, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Pick(nil, "k"); !errors.Is(err, ErrNoEndpoints) {
			t.Fatalf("%s: expect ErrNoEndpoints, got %v", b.Name(), err)
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expect error for unknown balancer")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		ep, err := b.Pick(testEndpoints, "")
		if err != nil {
			t.Fatal(err)
		}
		counts[ep.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []registry.Endpoint{{Addr: "a"}, {Addr: "b"}}
	if _, err := b.Pick(eps, ""); err != nil {
		t.Fatal(err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same endpoint
	ep1, _ := b.Pick(testEndpoints, "session-123")
	ep2, _ := b.Pick(testEndpoints, "session-123")
	if ep1.Addr != ep2.Addr {
		t.Fatalf("same key mapped to different endpoints: %s vs %s", ep1.Addr, ep2.Addr)
	}

	// 顺序不同的同一组节点，结果不变
	reversed := []registry.Endpoint{testEndpoints[2], testEndpoints[1], testEndpoints[0]}
	ep3, _ := b.Pick(reversed, "session-123")
	if ep3.Addr != ep1.Addr {
		t.Fatalf("endpoint order changed the mapping: %s vs %s", ep3.Addr, ep1.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := b.Pick(testEndpoints, fmt.Sprintf("key-%d", i))
		seen[ep.Addr] = true
	}
	// With 100 different keys and 3 nodes, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different endpoints, got %d", len(seen))
	}

	// 去掉一个节点后，仍然只返回存在的节点
	ep, err := b.Pick(testEndpoints[:1], "session-123")
	if err != nil || ep.Addr != ":8001" {
		t.Fatalf("expect :8001 after shrinking, got %v %v", ep, err)
	}
}
