package client

import (
	"context"
	"testing"

	"frame-rpc/loadbalance"
	"frame-rpc/registry"
)

func setupClient(b *testing.B) *Client {
	reg := registry.NewMemoryRegistry()
	startNamed(b, reg, "bench")
	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, service, 8, nil)
	b.Cleanup(func() { cli.Close() })
	return cli
}

// Single goroutine, one request at a time.
func BenchmarkSerialCall(b *testing.B) {
	cli := setupClient(b)
	conn := page{Path: "/bench"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Call(context.Background(), conn, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing the multiplexed pool.
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupClient(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		conn := page{Path: "/bench"}
		for pb.Next() {
			if _, err := cli.Call(context.Background(), conn, nil); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
