// Package appinfo defines application build informations.
package appinfo

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/wuxler/ruartifact/pkg/cmdhelper"
)

// Pre-defined variables set by LDFLAGS like below:
//
//	go build -ldflags '-X github.com/wuxler/ruartifact/pkg/appinfo.version=v1.0.0'
var (
	version      = "dev"
	buildDate    = "1970-01-01T00:00:00Z"
	gitCommit    = ""
	gitTag       = ""
	gitTreeState = ""
)

// Version records the application version with the git and build
// environment it was built from.
type Version struct {
	Version string    `json:"version" yaml:"version"`
	Git     GitInfo   `json:"git" yaml:"git"`
	Build   BuildInfo `json:"build" yaml:"build"`
}

// GitInfo records the git informations at build time.
type GitInfo struct {
	Commit    string `json:"commit" yaml:"commit"`
	Tag       string `json:"tag" yaml:"tag"`
	TreeState string `json:"tree_state" yaml:"tree_state"`
}

// BuildInfo records the build informations.
type BuildInfo struct {
	BuildDate string `json:"build_date,omitempty" yaml:"build_date,omitempty"`
	GoVersion string `json:"go_version,omitempty" yaml:"go_version,omitempty"`
	Platform  string `json:"platform,omitempty" yaml:"platform,omitempty"`
}

// GetVersion returns the Version of the application.
func GetVersion() Version {
	return Version{
		Version: version,
		Git: GitInfo{
			Commit:    gitCommit,
			Tag:       gitTag,
			TreeState: gitTreeState,
		},
		Build: BuildInfo{
			BuildDate: buildDate,
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		},
	}
}

// NewVersionWriter returns *VersionWriter which wrapped with Version.
func NewVersionWriter(v Version) *VersionWriter {
	return &VersionWriter{version: v, format: cmdhelper.FormatText}
}

// VersionWriter renders a Version.
type VersionWriter struct {
	version Version

	short   bool
	format  string
	appName string
}

// SetShort is a chain methods to set short options.
func (vw *VersionWriter) SetShort(short bool) *VersionWriter {
	vw.short = short
	return vw
}

// SetFormat is a chain methods to set format options.
func (vw *VersionWriter) SetFormat(format string) *VersionWriter {
	vw.format = format
	return vw
}

// SetAppName is a chain methods to set application name options.
func (vw *VersionWriter) SetAppName(name string) *VersionWriter {
	vw.appName = name
	return vw
}

// Write writes the version in the configured format.
func (vw *VersionWriter) Write(w io.Writer) error {
	if ok, err := cmdhelper.WriteStructured(w, vw.format, vw.version); ok {
		return err
	}
	if vw.short {
		_, err := fmt.Fprintln(w, vw.ShortLine())
		return err
	}
	_, err := io.WriteString(w, vw.Extended())
	return err
}

// ShortLine returns the one-line version string.
func (vw *VersionWriter) ShortLine() string {
	s := vw.version.Version
	if c := vw.version.Git.Commit; c != "" {
		s += " (" + c[:min(len(c), 8)] + ")"
	}
	return s
}

// Extended returns the multiple lines version string.
func (vw *VersionWriter) Extended() string {
	v := vw.version
	var b strings.Builder
	if vw.appName != "" {
		fmt.Fprintf(&b, "Application : %s\n", vw.appName)
	}
	fmt.Fprintf(&b, "Version     : %s\n", v.Version)
	fmt.Fprintf(&b, "Commit      : %s (%s)\n", v.Git.Commit, v.Git.TreeState)
	fmt.Fprintf(&b, "Tag         : %s\n", v.Git.Tag)
	fmt.Fprintf(&b, "BuildDate   : %s\n", v.Build.BuildDate)
	fmt.Fprintf(&b, "GoVersion   : %s\n", v.Build.GoVersion)
	fmt.Fprintf(&b, "Platform    : %s\n", v.Build.Platform)
	return b.String()
}
