package version

import (
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// set by the linker at build time
	GitCommit  string
	GitBranch  string
	GitSummary string
	BuildDate  string
	AppVersion string
)

type Version struct {
	GitCommit  string `json:"git_commit"`
	GitBranch  string `json:"git_branch"`
	GitSummary string `json:"git_summary"`
	BuildDate  string `json:"build_date"`
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
}

func Current() *Version {
	v := &Version{
		GitCommit:  GitCommit,
		GitBranch:  GitBranch,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  runtime.Version(),
	}

	if v.AppVersion == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			v.AppVersion = info.Main.Version
		}
	}

	return v
}

func (v *Version) AsLogFields() []any {
	return []any{
		"commit", v.GitCommit,
		"branch", v.GitBranch,
		"version", v.AppVersion,
		"go", v.GoVersion,
	}
}

// ExportBuildInfoMetric publishes the build information as a constant gauge.
func ExportBuildInfoMetric() {
	v := Current()

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetops_build_info",
			Help: "A metric with a constant '1' value, labeled by version, commit, branch and go version",
		},
		[]string{"version", "commit", "branch", "goversion"},
	)

	buildInfo.WithLabelValues(v.AppVersion, v.GitCommit, v.GitBranch, v.GoVersion).Set(1)

	if err := prometheus.Register(buildInfo); err != nil {
		slog.Warn("build info metric not registered", "error", err)
	}
}
