package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// build_info{...} 1, one series per running binary.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nutriguard_build_info",
			Help: "Nutriguard build information.",
		},
		[]string{"service", "version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes the running version. An empty commit is taken from
// the VCS stamp embedded by the Go toolchain, or "unknown".
func InitBuildInfo(service, version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = vcsRevision()
	}
	buildInfo.WithLabelValues(service, version, commit, runtime.Version()).Set(1)
}

func vcsRevision() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	return "unknown"
}
