package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/onionmux/torcore/descriptor"
)

// Path is a selected guard → middle → exit 3-hop path.
type Path struct {
	Guard  descriptor.RelayInfo
	Middle descriptor.RelayInfo
	Exit   descriptor.RelayInfo
}

// Pools holds the three relay pools a Proxy selects paths from. There is
// no consensus document in this client (directory-authority fetching is
// out of scope), so pools are supplied directly by configuration and
// selection is unweighted, constrained only by /16 subnet diversity.
type Pools struct {
	Guards  []descriptor.RelayInfo
	Middles []descriptor.RelayInfo
	Exits   []descriptor.RelayInfo
}

// SelectPath picks one relay from each pool such that no two hops share
// a /16 IPv4 subnet and no relay is reused across hops.
func SelectPath(pools Pools) (*Path, error) {
	exit, err := pickUnconstrained(pools.Exits)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	guard, err := pickAvoiding(pools.Guards, exit)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	middle, err := pickAvoiding(pools.Middles, exit, guard)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: *guard, Middle: *middle, Exit: *exit}, nil
}

// SelectGuard picks a guard relay avoiding the exit's /16 and identity.
func SelectGuard(pools Pools, exit *descriptor.RelayInfo) (*descriptor.RelayInfo, error) {
	return pickAvoiding(pools.Guards, exit)
}

// SelectMiddle picks a middle relay avoiding the guard's and exit's /16 and identity.
func SelectMiddle(pools Pools, guard, exit *descriptor.RelayInfo) (*descriptor.RelayInfo, error) {
	return pickAvoiding(pools.Middles, exit, guard)
}

func pickUnconstrained(pool []descriptor.RelayInfo) (*descriptor.RelayInfo, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("relay pool is empty")
	}
	idx, err := uniformRandom(len(pool))
	if err != nil {
		return nil, err
	}
	r := pool[idx]
	return &r, nil
}

// pickAvoiding selects a relay from pool whose /16 subnet and identity
// don't collide with any of avoid.
func pickAvoiding(pool []descriptor.RelayInfo, avoid ...*descriptor.RelayInfo) (*descriptor.RelayInfo, error) {
	avoidSubnets := make(map[string]bool, len(avoid))
	avoidFingerprints := make(map[string]bool, len(avoid))
	for _, a := range avoid {
		avoidSubnets[subnet16(a.Address)] = true
		avoidFingerprints[a.Fingerprint] = true
	}

	var candidates []descriptor.RelayInfo
	for _, r := range pool {
		if avoidSubnets[subnet16(r.Address)] {
			continue
		}
		if avoidFingerprints[r.Fingerprint] {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no relay in pool satisfies subnet/identity diversity")
	}

	idx, err := uniformRandom(len(candidates))
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// uniformRandom returns an unbiased index in [0, n) using crypto/rand.
func uniformRandom(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("empty candidate set")
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return int(idx.Int64()), nil
}
