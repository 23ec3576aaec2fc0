package placement

import (
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/10yihang/shardmigrate/internal/cluster"
)

// DefaultVirtualNodes is the number of ring points per unit of capacity.
const DefaultVirtualNodes = 64

// ConsistentHash hashes each shard onto a ring of member-weighted points and
// walks clockwise collecting distinct members. Adding or removing one member
// only changes the shards whose walk crosses that member's points.
type ConsistentHash struct {
	VirtualNodes int

	mu      sync.Mutex
	ringKey string
	ring    *hashRing
}

type hashRing struct {
	points []uint64
	owners []string
}

func (c *ConsistentHash) Name() string { return "ConsistentHash" }

func (c *ConsistentHash) Assign(shard uint32, members []cluster.Member, depth int) []string {
	r := c.ringFor(members)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], shard)
	h := xxhash.Sum64(buf[:])

	start := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	out := make([]string, 0, depth)
	for i := 0; i < len(r.points) && len(out) < depth; i++ {
		owner := r.owners[(start+i)%len(r.points)]
		if !contains(out, owner) {
			out = append(out, owner)
		}
	}
	return out
}

// ringFor returns the ring for members, reusing the last one when the member
// set and weights are unchanged.
func (c *ConsistentHash) ringFor(members []cluster.Member) *hashRing {
	var key strings.Builder
	for _, m := range members {
		key.WriteString(m.ID)
		key.WriteByte('/')
		key.WriteString(strconv.Itoa(m.Weight()))
		key.WriteByte(';')
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring != nil && c.ringKey == key.String() {
		return c.ring
	}

	vnodes := c.VirtualNodes
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}

	type point struct {
		hash  uint64
		owner string
	}
	var points []point
	for _, m := range members {
		for i := 0; i < vnodes*m.Weight(); i++ {
			points = append(points, point{
				hash:  xxhash.Sum64String(m.ID + "#" + strconv.Itoa(i)),
				owner: m.ID,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash == points[j].hash {
			return points[i].owner < points[j].owner
		}
		return points[i].hash < points[j].hash
	})

	r := &hashRing{
		points: make([]uint64, len(points)),
		owners: make([]string, len(points)),
	}
	for i, p := range points {
		r.points[i] = p.hash
		r.owners[i] = p.owner
	}
	c.ringKey = key.String()
	c.ring = r
	return r
}
