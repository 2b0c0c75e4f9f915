//go:build !unix

package agent

import (
	"time"

	"github.com/voltask/voltask/internal/model"
)

// sampleMetrics has no procfs-equivalent on non-unix platforms in this
// agent's dependency set, so it reports only the sample timestamp.
func sampleMetrics() model.Metrics {
	return model.Metrics{SampledAt: time.Now()}
}
