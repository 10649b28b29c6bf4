package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestCurrentPrefersLdflagsValues(t *testing.T) {
	origCommit, origDate := Commit, BuildDate
	defer func() { Commit, BuildDate = origCommit, origDate }()

	Commit = "abc123456789abcdef"
	BuildDate = "2026-08-25T10:00:00Z"

	b := Current()
	if b.Commit != "abc123456789abcdef" || b.BuildDate != "2026-08-25T10:00:00Z" {
		t.Errorf("Current() = %+v, want the ldflags commit and date", b)
	}
	if b.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", b.GoVersion, runtime.Version())
	}
	if b.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", b.Platform)
	}
}

func TestCurrentFillsUnknowns(t *testing.T) {
	origCommit, origDate := Commit, BuildDate
	defer func() { Commit, BuildDate = origCommit, origDate }()

	Commit = ""
	BuildDate = ""

	b := Current()
	// Without ldflags or embedded VCS metadata both fields degrade to a
	// readable placeholder, never an empty string.
	if b.Commit == "" || b.BuildDate == "" {
		t.Errorf("Current() left empty identity fields: %+v", b)
	}
}

func TestInfoTruncatesCommit(t *testing.T) {
	origCommit := Commit
	defer func() { Commit = origCommit }()

	Commit = "abc123456789abcdef"
	out := Info()
	if !strings.Contains(out, "abc1234") {
		t.Errorf("Info() = %q, want the 7-char commit", out)
	}
	if strings.Contains(out, "abc123456789abcdef") {
		t.Errorf("Info() = %q, want the full SHA omitted", out)
	}
	if !strings.HasPrefix(out, "ashep "+Version) {
		t.Errorf("Info() = %q, want an ashep prefix", out)
	}
}

func TestFullLayout(t *testing.T) {
	out := Full()
	for _, want := range []string{"ashep", Version, "Commit:", "Built:", "Go version:", "OS/Arch:", runtime.GOOS + "/" + runtime.GOARCH} {
		if !strings.Contains(out, want) {
			t.Errorf("Full() = %q, missing %q", out, want)
		}
	}
	if lines := strings.Split(out, "\n"); len(lines) != 5 {
		t.Errorf("Full() has %d lines, want 5", len(lines))
	}
}
