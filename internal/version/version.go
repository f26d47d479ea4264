// Package version reports build metadata set by -ldflags, falling back to the
// VCS stamp the Go toolchain embeds.
package version

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
)

const App = "throttlegate"

// Set with -ldflags "-X github.com/keithlinneman/throttlegate/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
)

type Info struct {
	App        string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		App:        App,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	return fromBuildInfo(out, bi)
}

// fromBuildInfo fills whatever ldflags left empty from the embedded VCS stamp.
func fromBuildInfo(out Info, bi *debug.BuildInfo) Info {
	out.GoVersion = bi.GoVersion
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

func (i Info) String() string {
	s := fmt.Sprintf("%s %s (commit %s", i.App, i.Version, i.Commit)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += ", dirty"
	}
	return s + ", " + i.GoVersion + ")"
}

// Print writes i as indented JSON, used by -V.
func Print(w io.Writer, i Info) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(i)
}
