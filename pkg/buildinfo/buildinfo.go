// Package buildinfo reports the version of the replicator binary.
// Release builds inject the version with -ldflags; development builds
// fall back to the VCS settings that the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"sync"
)

type Info struct {
	Version  string // i.e. v1.2.3, or "dev"
	Commit   string // git commit, or "unknown"
	Date     string // RFC3339 build date, or "unknown"
	Modified bool   // built from a dirty working tree
	GoVer    string
}

var (
	ldflagsVersion string
	ldflagsCommit  string
	ldflagsDate    string

	once   sync.Once
	cached Info
)

// Set stores the values injected into main with -ldflags, i.e.
//
//	go build -ldflags "-X main.version=v1.2.3 -X main.commit=$(git rev-parse HEAD)"
//
// It must be called before Get.
func Set(version, commit, date string) {
	ldflagsVersion = version
	ldflagsCommit = commit
	ldflagsDate = date
}

// Get returns the build info. It is resolved once.
func Get() Info {
	once.Do(func() {
		cached = resolve(debug.ReadBuildInfo())
	})
	return cached
}

func resolve(bi *debug.BuildInfo, ok bool) Info {
	info := Info{Version: "dev", Commit: "unknown", Date: "unknown"}
	if ok {
		info.GoVer = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				info.Date = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if ldflagsVersion != "" {
		info.Version = ldflagsVersion
	}
	if ldflagsCommit != "" {
		info.Commit = ldflagsCommit
	}
	if ldflagsDate != "" {
		info.Date = ldflagsDate
	}
	return info
}

// String is the --version output, i.e. "v1.2.3 (abc123def456, 2026-02-25T00:00:00Z, go1.26.1)".
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s, %s)", i.Version, commit, i.Date, i.GoVer)
}
