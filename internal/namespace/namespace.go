// Package namespace maps local sentinel paths to remote asset ids and back.
package namespace

import (
	"fmt"
	"strings"
)

// Mapping substitutes one prefix for the other. The zero value is disabled.
type Mapping struct {
	Remote string
	Local  string
}

// New validates that substitution between the two prefixes is unambiguous.
func New(remote, local string) (Mapping, error) {
	remote = strings.TrimSpace(remote)
	local = strings.TrimSpace(local)
	if remote == "" {
		return Mapping{}, fmt.Errorf("ee_prefix is required")
	}
	if local == "" {
		return Mapping{}, fmt.Errorf("local_prefix is required")
	}
	if strings.Contains(remote, local) || strings.Contains(local, remote) {
		return Mapping{}, fmt.Errorf("ee_prefix %q and local_prefix %q overlap; substitution would be ambiguous", remote, local)
	}
	return Mapping{Remote: remote, Local: local}, nil
}

// Enabled reports whether remote tracking is configured.
func (m Mapping) Enabled() bool {
	return m.Remote != "" && m.Local != ""
}

// Tracks reports whether path is a sentinel under the local prefix.
func (m Mapping) Tracks(path string) bool {
	return m.Enabled() && strings.HasPrefix(path, m.Local)
}

// ToRemote derives the asset id for a local sentinel path.
func (m Mapping) ToRemote(path string) string {
	return strings.Replace(path, m.Local, m.Remote, 1)
}

// ToLocal derives the sentinel path for an asset id.
func (m Mapping) ToLocal(assetID string) string {
	return strings.Replace(assetID, m.Remote, m.Local, 1)
}

// AllToRemote maps every tracked path and leaves the rest unchanged.
func (m Mapping) AllToRemote(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if m.Tracks(p) {
			out[i] = m.ToRemote(p)
		} else {
			out[i] = p
		}
	}
	return out
}
