// Package buildinfo exposes version metadata for the locus binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Overridden at link time with -ldflags "-X github.com/locusai/locus/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

// Info is the resolved build metadata.
type Info struct {
	Version string
	Commit  string
	Dirty   bool
}

// Current resolves build metadata, falling back to the VCS stamp embedded by
// the Go toolchain when no linker override was supplied.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "dev") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// String renders "locus <version> (<short commit>)".
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}
	if i.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("locus %s (%s)", i.Version, commit)
}
