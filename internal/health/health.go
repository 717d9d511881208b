// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/octane/internal/buildinfo"
)

// ServiceName is reported by every health response.
const ServiceName = "octane"

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Broker       string    `json:"broker"`
	Stages       []string  `json:"stages,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to liveness probes with build info, the compute engine
// and broker in use, and the stages this process consumes.  It always
// reports "healthy"; reachability of the broker and cloud is surfaced
// through stage dispositions, not here.
func Handler(engine, broker string, stages ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Broker:       broker,
			Stages:       stages,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
