package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `toml:"version"`
	GitCommit string `toml:"git_commit"`
	BuildTime string `toml:"build_time"`
	GoVersion string `toml:"go_version"`
	Platform  string `toml:"platform"`
}

// Get returns the build information of the binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: CommitID,
		BuildTime: formatBuildTime(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short is the one line form printed by --version.
func (i Info) Short() string {
	return fmt.Sprintf("gbox-recorder version %s, build %s", i.Version, i.GitCommit)
}

func formatBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}
