package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "metaprofile",
			Name:      "build_info",
			Help:      "Always 1; labels carry the running build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo publishes the build labels once per process.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
		buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
	})
}
