package metrics_test

import (
	"strings"
	"testing"

	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var collectors = []struct {
	name   string
	fqName string
	c      prometheus.Collector
}{
	{"IPAllocations", "identity_isolation_ip_allocations_total", metrics.IPAllocations},
	{"ClaimConflicts", "identity_isolation_ip_claim_conflicts_total", metrics.ClaimConflicts},
	{"IPReleases", "identity_isolation_ip_releases_total", metrics.IPReleases},
	{"IPFailures", "identity_isolation_ip_failures_total", metrics.IPFailures},
	{"IPBans", "identity_isolation_ip_bans_total", metrics.IPBans},
	{"IPPoolSize", "identity_isolation_ip_pool_size", metrics.IPPoolSize},
	{"ActiveAssignments", "identity_isolation_active_assignments", metrics.ActiveAssignments},
	{"SessionsCreated", "identity_isolation_sessions_created_total", metrics.SessionsCreated},
	{"SessionsDeleted", "identity_isolation_sessions_deleted_total", metrics.SessionsDeleted},
	{"UnsafeDeletes", "identity_isolation_unsafe_deletes_total", metrics.UnsafeDeletes},
	{"ActiveSessions", "identity_isolation_active_sessions", metrics.ActiveSessions},
	{"UserAgentRotations", "identity_isolation_user_agent_rotations_total", metrics.UserAgentRotations},
	{"RiskEvents", "identity_isolation_risk_events_total", metrics.RiskEvents},
	{"IdentityRotations", "identity_isolation_identity_rotations_total", metrics.IdentityRotations},
	{"JobsEnqueued", "identity_isolation_jobs_enqueued_total", metrics.JobsEnqueued},
	{"JobsDropped", "identity_isolation_jobs_dropped_total", metrics.JobsDropped},
	{"JobsProcessed", "identity_isolation_jobs_processed_total", metrics.JobsProcessed},
	{"APIRequests", "identity_isolation_api_requests_total", metrics.APIRequests},
	{"APIDuration", "identity_isolation_api_duration_seconds", metrics.APIDuration},
	{"DBSizeBytes", "identity_isolation_db_size_bytes", metrics.DBSizeBytes},
	{"WorkerQueueDepth", "identity_isolation_worker_queue_depth", metrics.WorkerQueueDepth},
	{"JanitorDuration", "identity_isolation_janitor_duration_seconds", metrics.JanitorDuration},
}

// TestMetricCollectorsNonNil verifies every package-level collector is non-nil
// and passes Prometheus linting rules.
func TestMetricCollectorsNonNil(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

// TestMetricNamesAndHelp checks names and help strings through Describe() so
// Vec metrics with no observations are covered too.
func TestMetricNamesAndHelp(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.fqName, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 32)
			go func() {
				tc.c.Describe(ch)
				close(ch)
			}()

			found := false
			for d := range ch {
				s := d.String()
				if strings.Contains(s, `"`+tc.fqName+`"`) {
					found = true
					if strings.Contains(s, `help: ""`) {
						t.Errorf("descriptor for %s has an empty help string", tc.fqName)
					}
				}
			}
			if !found {
				t.Errorf("no descriptor containing %q returned by Describe()", tc.fqName)
			}
			if !strings.HasPrefix(tc.fqName, "identity_isolation_") {
				t.Errorf("metric name %s does not have identity_isolation_ prefix", tc.fqName)
			}
		})
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(metrics.IPBans.WithLabelValues("manual"))
	metrics.IPBans.WithLabelValues("manual").Inc()
	if got := testutil.ToFloat64(metrics.IPBans.WithLabelValues("manual")); got != before+1 {
		t.Errorf("IPBans manual = %v, want %v", got, before+1)
	}
}
