package descriptor

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// RelayInfo contains the parsed relay descriptor fields needed for ntor handshake.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Address      string   // IP address
	ORPort       uint16   // OR port
	Fingerprint  string   // Hex fingerprint string (uppercase, no spaces)
}

// ParseDescriptor parses a relay server descriptor text and extracts RelayInfo.
// Fetching descriptors from a directory authority or cache is out of scope;
// callers supply descriptor text from their own relay pool configuration.
func ParseDescriptor(text string) (*RelayInfo, error) {
	info := &RelayInfo{}
	var hasRouter, hasFingerprint, hasNtorKey bool

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "router ") {
			// router <nickname> <address> <ORPort> <SOCKSPort> <DirPort>
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return nil, fmt.Errorf("malformed router line: %s", line)
			}
			info.Address = parts[2]
			port, err := strconv.ParseUint(parts[3], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("parse OR port: %w", err)
			}
			info.ORPort = uint16(port)
			hasRouter = true
		}

		if strings.HasPrefix(line, "fingerprint ") {
			// fingerprint XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX
			fpHex := strings.ReplaceAll(line[len("fingerprint "):], " ", "")
			fpBytes, err := hex.DecodeString(fpHex)
			if err != nil {
				return nil, fmt.Errorf("decode fingerprint: %w", err)
			}
			if len(fpBytes) != 20 {
				return nil, fmt.Errorf("fingerprint wrong length: %d", len(fpBytes))
			}
			copy(info.NodeID[:], fpBytes)
			info.Fingerprint = strings.ToUpper(fpHex)
			hasFingerprint = true
		}

		if strings.HasPrefix(line, "ntor-onion-key ") {
			// ntor-onion-key <base64>
			b64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			// Tor uses base64 without padding
			keyBytes, err := base64.RawStdEncoding.DecodeString(b64)
			if err != nil {
				// Try with standard encoding (with padding)
				keyBytes, err = base64.StdEncoding.DecodeString(b64)
				if err != nil {
					return nil, fmt.Errorf("decode ntor-onion-key: %w", err)
				}
			}
			if len(keyBytes) != 32 {
				return nil, fmt.Errorf("ntor-onion-key wrong length: %d", len(keyBytes))
			}
			copy(info.NtorOnionKey[:], keyBytes)
			hasNtorKey = true
		}
	}

	if !hasRouter {
		return nil, fmt.Errorf("missing router line")
	}
	if !hasFingerprint {
		return nil, fmt.Errorf("missing fingerprint line")
	}
	if !hasNtorKey {
		return nil, fmt.Errorf("missing ntor-onion-key line")
	}

	return info, nil
}
