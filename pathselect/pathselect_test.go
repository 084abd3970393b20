package pathselect

import (
	"testing"

	"github.com/onionmux/torcore/descriptor"
)

func relay(fingerprint, addr string, port uint16) descriptor.RelayInfo {
	return descriptor.RelayInfo{Fingerprint: fingerprint, Address: addr, ORPort: port}
}

func testPools() Pools {
	return Pools{
		Guards: []descriptor.RelayInfo{
			relay("G1", "1.2.3.4", 9001),
			relay("G2", "5.6.7.8", 443),
		},
		Middles: []descriptor.RelayInfo{
			relay("M1", "10.20.30.40", 9001),
			relay("M2", "10.20.99.1", 9001),
		},
		Exits: []descriptor.RelayInfo{
			relay("E1", "20.30.40.50", 443),
			relay("E2", "20.30.99.9", 443),
		},
	}
}

func TestSelectPath(t *testing.T) {
	pools := testPools()

	for i := 0; i < 100; i++ {
		path, err := SelectPath(pools)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		if path.Guard.Fingerprint == path.Middle.Fingerprint {
			t.Fatal("guard == middle")
		}
		if path.Guard.Fingerprint == path.Exit.Fingerprint {
			t.Fatal("guard == exit")
		}
		if path.Middle.Fingerprint == path.Exit.Fingerprint {
			t.Fatal("middle == exit")
		}
	}
}

func TestSelectGuardAvoidsExitSubnet(t *testing.T) {
	pools := Pools{
		Guards: []descriptor.RelayInfo{
			relay("G1", "20.30.40.99", 9001), // same /16 as the exit
			relay("G2", "1.2.3.4", 9001),
		},
		Exits: []descriptor.RelayInfo{relay("E1", "20.30.40.50", 443)},
	}
	exit := &pools.Exits[0]

	for i := 0; i < 50; i++ {
		guard, err := SelectGuard(pools, exit)
		if err != nil {
			t.Fatalf("SelectGuard: %v", err)
		}
		if guard.Fingerprint != "G2" {
			t.Fatalf("selected guard %s shares /16 with exit", guard.Fingerprint)
		}
	}
}

func TestSelectMiddleAvoidsGuardAndExit(t *testing.T) {
	pools := testPools()
	guard := &pools.Guards[0]
	exit := &pools.Exits[0]

	for i := 0; i < 100; i++ {
		middle, err := SelectMiddle(pools, guard, exit)
		if err != nil {
			t.Fatalf("SelectMiddle: %v", err)
		}
		if middle.Fingerprint == guard.Fingerprint {
			t.Fatal("middle is same as guard")
		}
		if middle.Fingerprint == exit.Fingerprint {
			t.Fatal("middle is same as exit")
		}
	}
}

func TestSelectPathEmptyPoolFails(t *testing.T) {
	if _, err := SelectPath(Pools{}); err == nil {
		t.Fatal("expected error selecting path from empty pools")
	}
}

func TestPickAvoidingExhaustedFails(t *testing.T) {
	pools := Pools{
		Guards: []descriptor.RelayInfo{relay("G1", "20.30.40.99", 9001)},
		Exits:  []descriptor.RelayInfo{relay("E1", "20.30.40.50", 443)},
	}
	_, err := SelectGuard(pools, &pools.Exits[0])
	if err == nil {
		t.Fatal("expected error when every guard shares the exit's /16")
	}
}

func TestSubnet16(t *testing.T) {
	if subnet16("1.2.3.4") != "1.2" {
		t.Fatalf("subnet16(1.2.3.4) = %q", subnet16("1.2.3.4"))
	}
	if subnet16("1.2.99.100") != "1.2" {
		t.Fatal("same /16 not detected")
	}
	if subnet16("not-an-ip") != "" {
		t.Fatal("expected empty subnet for unparseable address")
	}
}

func TestUniformRandom(t *testing.T) {
	counts := make([]int, 4)
	for i := 0; i < 400; i++ {
		idx, err := uniformRandom(4)
		if err != nil {
			t.Fatalf("uniformRandom: %v", err)
		}
		counts[idx]++
	}
	for i, c := range counts {
		if c == 0 {
			t.Fatalf("index %d never selected over 400 draws", i)
		}
	}
}

func TestUniformRandomRejectsEmpty(t *testing.T) {
	if _, err := uniformRandom(0); err == nil {
		t.Fatal("expected error for n=0")
	}
}
