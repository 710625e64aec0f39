package version

import (
	"runtime/debug"
	"strconv"
)

// set via -ldflags "-X github.com/keithlinneman/shortstack/internal/version.Version=..."
var (
	AppName    = "shortstack"
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app" yaml:"app"`
	Version    string `json:"version" yaml:"version"`
	Commit     string `json:"commit" yaml:"commit"`
	CommitDate string `json:"commit_date,omitempty" yaml:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty" yaml:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty" yaml:"build_id,omitempty"`
	GoVersion  string `json:"go_version" yaml:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty" yaml:"vcs_dirty,omitempty"`
}

// Get merges the linker-set values with the module build info.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil && out.VCSDirty == nil {
				out.VCSDirty = &b
			}
		}
	}
	return out
}

// Dirty renders VCSDirty as "true", "false" or "unknown".
func (i Info) Dirty() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

// Short is the one-line form printed by the version command.
func (i Info) Short() string {
	return i.AppName + " " + i.Version + " (commit=" + i.Commit + ", go=" + i.GoVersion + ", dirty=" + i.Dirty() + ")"
}
