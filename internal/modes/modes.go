// Package modes decides which LwM2M server instances the transport runs.
// The transport can expose two endpoints:
// - cert: X.509 mutual authentication
// - nosec-psk-rpk: pre-shared key, raw public key or no security
//
// Which of them start is derived once from configuration by Select.
package modes

import (
	"fmt"
	"strconv"
	"strings"
)

// SecurityMode is the DTLS posture of an LwM2M session
type SecurityMode string

const (
	SecurityModePSK   SecurityMode = "psk"
	SecurityModeRPK   SecurityMode = "rpk"
	SecurityModeX509  SecurityMode = "x509"
	SecurityModeNoSec SecurityMode = "nosec"
)

// ValidSecurityModes lists all valid security modes, ordered by wire code
var ValidSecurityModes = []SecurityMode{SecurityModePSK, SecurityModeRPK, SecurityModeX509, SecurityModeNoSec}

// IsValid checks if a security mode is one of the known postures
func (m SecurityMode) IsValid() bool {
	for _, valid := range ValidSecurityModes {
		if m == valid {
			return true
		}
	}
	return false
}

// Code returns the numeric code used for the mode in LwM2M security objects,
// or -1 for an unknown mode.
func (m SecurityMode) Code() int {
	for i, valid := range ValidSecurityModes {
		if m == valid {
			return i
		}
	}
	return -1
}

func (m SecurityMode) String() string {
	return string(m)
}

// ParseSecurityMode parses a security mode name or numeric code
func ParseSecurityMode(s string) (SecurityMode, error) {
	v := strings.ToLower(strings.TrimSpace(s))

	if code, err := strconv.Atoi(v); err == nil {
		if code >= 0 && code < len(ValidSecurityModes) {
			return ValidSecurityModes[code], nil
		}
		return "", fmt.Errorf("invalid security mode code %d, valid codes: 0-%d", code, len(ValidSecurityModes)-1)
	}

	switch v {
	case "no_sec", "no-sec", "none":
		v = string(SecurityModeNoSec)
	}

	mode := SecurityMode(v)
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid security mode %q, valid modes: %v", s, ValidSecurityModes)
	}
	return mode, nil
}

// Instance identifies one of the two server instances
type Instance string

const (
	// InstanceCert serves X.509 certificate sessions
	InstanceCert Instance = "cert"
	// InstanceNoSecPskRpk serves PSK, RPK and unsecured sessions
	InstanceNoSecPskRpk Instance = "nosec-psk-rpk"
)

// AllInstances lists every instance in start and shutdown order
var AllInstances = []Instance{InstanceCert, InstanceNoSecPskRpk}

func (i Instance) String() string {
	return string(i)
}

// Modes returns the security postures served by the instance
func (i Instance) Modes() []SecurityMode {
	switch i {
	case InstanceCert:
		return []SecurityMode{SecurityModeX509}
	case InstanceNoSecPskRpk:
		return []SecurityMode{SecurityModePSK, SecurityModeRPK, SecurityModeNoSec}
	default:
		return nil
	}
}

// Select returns the instances to start, in start order.
//
// startAll selects both instances. Otherwise X.509 selects the cert instance
// and every other mode, including unknown values, selects nosec-psk-rpk.
func Select(startAll bool, dtlsMode SecurityMode) []Instance {
	if startAll {
		return []Instance{InstanceCert, InstanceNoSecPskRpk}
	}
	if dtlsMode == SecurityModeX509 {
		return []Instance{InstanceCert}
	}
	return []Instance{InstanceNoSecPskRpk}
}
