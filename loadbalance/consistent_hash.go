package loadbalance

import (
	"hash/crc32"
	"slices"
	"strconv"
	"strings"
	"sync"

	"frame-rpc/registry"
)

const virtualNodes = 100

// ConsistentHashBalancer sends every request with the same key (the request's conn context)
// to the same instance while the instance set is stable. Each instance occupies
// virtualNodes points on a crc32 ring so load stays even with few instances.
type ConsistentHashBalancer struct {
	mu     sync.Mutex
	built  string                                // Sorted addresses the ring was built from
	points []uint32                              // Sorted ring positions
	owner  map[uint32]*registry.ServiceInstance // Ring position → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{owner: make(map[uint32]*registry.ServiceInstance)}
}

// Add places instance on the ring for use with PickKey.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.place(instance)
	slices.Sort(b.points)
}

// place adds instance's virtual nodes, hashed from "<addr>#<n>". Callers sort afterwards.
func (b *ConsistentHashBalancer) place(instance *registry.ServiceInstance) {
	for n := 0; n < virtualNodes; n++ {
		p := crc32.ChecksumIEEE([]byte(instance.Addr + "#" + strconv.Itoa(n)))
		b.points = append(b.points, p)
		b.owner[p] = instance
	}
}

// Pick returns the owner of key on a ring of instances, rebuilding the ring when the
// instance set has changed since the last call.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if set := addrSet(instances); set != b.built {
		b.built = set
		b.points = b.points[:0]
		clear(b.owner)
		for i := range instances {
			inst := instances[i]
			b.place(&inst)
		}
		slices.Sort(b.points)
	}
	return b.ownerOf(key)
}

// PickKey looks key up on the ring built by Add.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerOf(key)
}

// ownerOf walks clockwise from key's hash to the next point, wrapping past the top.
func (b *ConsistentHashBalancer) ownerOf(key string) (*registry.ServiceInstance, error) {
	if len(b.points) == 0 {
		return nil, ErrNoInstances
	}
	i, _ := slices.BinarySearch(b.points, crc32.ChecksumIEEE([]byte(key)))
	if i == len(b.points) {
		i = 0
	}
	return b.owner[b.points[i]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

func addrSet(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
