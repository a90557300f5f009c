// Copyright (c) OpenMMLab. All rights reserved.

package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Variables injected at compile time
var (
	Version   = "dev"   // oamix-run version v1.0.0
	Commit    = ""      // Git commit hash
	BuildTime = "unset" // Build time
	BuildTag  = "beta"  // Build tag dev alpha beta rc stable hotfix
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time"`
	BuildTag  string `json:"build_tag"`
	VCS       string `json:"vcs,omitempty"`
}

// Get returns the injected version, completed with the VCS revision recorded
// by the go toolchain when no commit was injected.
func Get() VersionInfo {
	v := VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		BuildTag:  BuildTag,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}

	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		case "vcs":
			v.VCS = setting.Value
		}
	}
	if v.Commit == "" && revision != "" {
		v.Commit = revision
		if modified == "true" {
			v.Commit += "+localmod"
		}
	}
	return v
}

// Short is a one-line version, used in logs and the status API.
func (v VersionInfo) Short() string {
	if v.Commit != "" {
		return fmt.Sprintf("%s-%s (commit: %s, built: %s)", v.Version, v.BuildTag, v.Commit, v.BuildTime)
	}
	return fmt.Sprintf("%s-%s (built: %s)", v.Version, v.BuildTag, v.BuildTime)
}

func (v VersionInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  - Version: %s\n", v.Version)
	if v.Commit != "" {
		fmt.Fprintf(&b, "  - Commit: %s\n", v.Commit)
	}
	fmt.Fprintf(&b, "  - Build Time: %s\n", v.BuildTime)
	fmt.Fprintf(&b, "  - Build Tag: %s\n", v.BuildTag)
	if v.VCS != "" {
		fmt.Fprintf(&b, "  - VCS: %s\n", v.VCS)
	}
	return b.String()
}
