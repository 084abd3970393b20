package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/onionmux/torcore/proxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
}

// Fixture relay descriptors, one per pool. Fingerprints and ntor keys are
// real values pulled from a fixed relay set; addresses may have rotated
// since, which is exactly why the e2e tests below are skipped in -short mode.
const (
	guardDescriptor = `router SoulOfTheInternet 109.239.48.152 6666 0 0
fingerprint 067F 9C88 5BDE 11E8 C86E 95CC 7EC4 5D48 C22A 85B3
ntor-onion-key ke4UGT4lz5w0qLW3iAo6lKNSWzCOtqeTgKV71D25CEE=
`
	middleDescriptor = `router somerandomrelay 37.139.3.231 9001 0 0
fingerprint 06BA 3A52 D61F CF29 C6F2 6E19 53B0 50B6 1BD8 4F95
ntor-onion-key Ya9kbcPazEARb25B37Y8YJ+iO0HjoCBQxPfztr8Bc2Y=
`
	exitDescriptor = `router aurora 176.126.252.12 8080 0 0
fingerprint 379F B450 010D 1707 8B37 66C2 2733 03C3 58C3 A442
ntor-onion-key 52jPYtN+/mNeaQN2D1AWw1qkvLJh1RJTh6bwlaq0fFQ=
`
)

func parsePoolsFromFixtures() (*relayPools, error) {
	guard, err := parseRelayInfos([]string{guardDescriptor})
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	middle, err := parseRelayInfos([]string{middleDescriptor})
	if err != nil {
		return nil, fmt.Errorf("middle: %w", err)
	}
	exit, err := parseRelayInfos([]string{exitDescriptor})
	if err != nil {
		return nil, fmt.Errorf("exit: %w", err)
	}
	return &relayPools{Guards: guard, Middles: middle, Exits: exit}, nil
}

func fixtureConfigYAML() string {
	indent := func(s string) string {
		lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
		for i, l := range lines {
			lines[i] = "    " + l
		}
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("guard_list:\n  - |\n%s\nmiddle_pool:\n  - |\n%s\nexit_pool:\n  - |\n%s\n",
		indent(guardDescriptor), indent(middleDescriptor), indent(exitDescriptor))
}

func TestLoadRelayPoolsFromYAML(t *testing.T) {
	path := t.TempDir() + "/relays.yaml"
	if err := os.WriteFile(path, []byte(fixtureConfigYAML()), 0o600); err != nil {
		t.Fatalf("write fixture config: %v", err)
	}

	pools, err := loadRelayPools(path)
	if err != nil {
		t.Fatalf("loadRelayPools: %v", err)
	}
	if len(pools.Guards) != 1 || len(pools.Middles) != 1 || len(pools.Exits) != 1 {
		t.Fatalf("expected 1 relay per pool, got guards=%d middles=%d exits=%d",
			len(pools.Guards), len(pools.Middles), len(pools.Exits))
	}
	if pools.Guards[0].Address != "109.239.48.152" {
		t.Fatalf("unexpected guard address: %s", pools.Guards[0].Address)
	}
	if pools.Exits[0].ORPort != 8080 {
		t.Fatalf("unexpected exit port: %d", pools.Exits[0].ORPort)
	}
}

// TestE2ECircuitBuild builds a real 3-hop circuit through the live Tor
// network using a single-relay-per-pool config, then makes an HTTP
// request through it.
func TestE2ECircuitBuild(t *testing.T) {
	skipIfShort(t)
	logger := testLogger()

	pools, err := parsePoolsFromFixtures()
	if err != nil {
		t.Fatalf("parse fixture descriptors: %v", err)
	}

	p := proxy.NewProxy(pools.Guards, pools.Middles, pools.Exits, logger)
	t.Cleanup(func() { _ = p.Shutdown() })

	t.Log("Opening stream to example.com:80...")
	s, err := p.OpenTCPStream("example.com:80")
	if err != nil {
		t.Fatalf("OpenTCPStream: %v", err)
	}
	defer func() { _ = s.Close() }()

	_, err = fmt.Fprintf(s, "GET / HTTP/1.0\r\nHost: example.com\r\n\r\n")
	if err != nil {
		t.Fatalf("write HTTP request: %v", err)
	}

	reader := bufio.NewReader(s)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.0 200") && !strings.HasPrefix(statusLine, "HTTP/1.1 200") {
		t.Fatalf("unexpected status: %q", strings.TrimSpace(statusLine))
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Example Domain") {
		t.Fatalf("response body doesn't contain expected content (got %d bytes)", len(body))
	}

	t.Logf("HTTP request through Tor circuit succeeded (%d bytes)", len(body))
}

// TestE2EDirectoryStream exercises RELAY_BEGIN_DIR through the exit hop.
func TestE2EDirectoryStream(t *testing.T) {
	skipIfShort(t)
	logger := testLogger()

	pools, err := parsePoolsFromFixtures()
	if err != nil {
		t.Fatalf("parse fixture descriptors: %v", err)
	}

	p := proxy.NewProxy(pools.Guards, pools.Middles, pools.Exits, logger)
	t.Cleanup(func() { _ = p.Shutdown() })

	s, err := p.OpenDirectoryStream()
	if err != nil {
		t.Fatalf("OpenDirectoryStream: %v", err)
	}
	_ = s.Close()
}
