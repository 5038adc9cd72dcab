// Package prometheus renders engine counters in the Prometheus text
// exposition format. Counters are named fedauth_*_total; the only
// histogram is fedauth_validate_latency_seconds. Nothing is registered
// globally; callers mount Handler where they want it.
package prometheus
