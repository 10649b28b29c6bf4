// Package version reports the build identity of the ashep binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Overridden at build time:
//
//	go build -ldflags "-X github.com/ashep-ai/ashep/internal/version.Version=v0.3.0"
//
// When ldflags leave Commit or BuildDate empty, Current falls back to the VCS
// metadata Go embeds in the binary.
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// Build is the resolved identity of one compiled binary.
type Build struct {
	Version   string
	Commit    string
	BuildDate string
	Modified  bool
	GoVersion string
	Platform  string
}

// Current resolves the build identity, preferring ldflags values and filling
// gaps from the embedded VCS metadata.
func Current() Build {
	b := Build{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.BuildDate == "" {
					b.BuildDate = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.BuildDate == "" {
		b.BuildDate = "unknown"
	}
	return b
}

// shortCommit trims a full SHA to the conventional 7 characters.
func (b Build) shortCommit() string {
	c := b.Commit
	if len(c) > 7 {
		c = c[:7]
	}
	if b.Modified {
		c += "+dirty"
	}
	return c
}

// Short returns just the version string, for cobra's --version.
func Short() string {
	return Version
}

// Info returns the one-line form used by the plain version command.
func Info() string {
	b := Current()
	return fmt.Sprintf("ashep %s (commit: %s, built: %s, go: %s)",
		b.Version, b.shortCommit(), b.BuildDate, b.GoVersion)
}

// Full returns the verbose multi-line form.
func Full() string {
	b := Current()
	return fmt.Sprintf("ashep %s\n  Commit:     %s\n  Built:      %s\n  Go version: %s\n  OS/Arch:    %s",
		b.Version, b.shortCommit(), b.BuildDate, b.GoVersion, b.Platform)
}
