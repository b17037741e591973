package version

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Build information. These variables are set at build time using ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
	OS        = runtime.GOOS
	Arch      = runtime.GOARCH
)

var (
	componentsMu sync.RWMutex
	components   = map[string]string{}
)

// SetComponent records a runtime component reported next to the build
// info, such as the codec backend or the decoder binary. An empty value
// removes it.
func SetComponent(name, value string) {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	if value == "" {
		delete(components, name)
		return
	}
	components[name] = value
}

// Info contains version information.
type Info struct {
	Version    string            `json:"version"`
	GitCommit  string            `json:"git_commit"`
	BuildTime  string            `json:"build_time"`
	GoVersion  string            `json:"go_version"`
	OS         string            `json:"os"`
	Arch       string            `json:"arch"`
	Components map[string]string `json:"components,omitempty"`
}

// GetInfo returns the version information.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        OS,
		Arch:      Arch,
	}
	componentsMu.RLock()
	defer componentsMu.RUnlock()
	if len(components) > 0 {
		info.Components = make(map[string]string, len(components))
		for k, v := range components {
			info.Components[k] = v
		}
	}
	return info
}

// String returns the version string. Components follow in name order.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cadence %s (commit: %s, built: %s, go: %s, os/arch: %s/%s",
		i.Version, i.GitCommit, i.BuildTime, i.GoVersion, i.OS, i.Arch)

	names := make([]string, 0, len(i.Components))
	for name := range i.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, ", %s: %s", name, i.Components[name])
	}
	b.WriteString(")")
	return b.String()
}

// Short returns a short version string.
func (i Info) Short() string {
	return fmt.Sprintf("cadence %s", i.Version)
}