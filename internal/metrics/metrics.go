// Package metrics tracks process-wide terminal job counters, a global
// adaptation of the teacher's per-queue Metrics struct (metrics/metrics.go)
// to the control plane's one-goroutine-per-job model, which has no single
// queue to sample.
package metrics

import "sync/atomic"

var jobsCreated int64
var jobsSucceeded int64
var jobsFailed int64

// IncCreated counts one fresh job registration. A repeated idempotent
// submission must not call this a second time (spec.md §8 scenario S2:
// "the internal 'jobs created' counter increments by exactly 1").
func IncCreated()   { atomic.AddInt64(&jobsCreated, 1) }
func IncSucceeded() { atomic.AddInt64(&jobsSucceeded, 1) }
func IncFailed()    { atomic.AddInt64(&jobsFailed, 1) }

func Snapshot() map[string]int64 {
    return map[string]int64{
        "jobs_created":   atomic.LoadInt64(&jobsCreated),
        "jobs_succeeded": atomic.LoadInt64(&jobsSucceeded),
        "jobs_failed":    atomic.LoadInt64(&jobsFailed),
    }
}
