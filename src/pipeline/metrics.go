package pipeline

import (
	gometrics "github.com/rcrowley/go-metrics"
)

type poolMetrics struct {
	submitted  gometrics.Counter
	completed  gometrics.Counter
	failed     gometrics.Counter
	dropped    gometrics.Counter
	rejected   gometrics.Counter
	callerRuns gometrics.Counter
	inFlight   gometrics.Counter
	depth      gometrics.Gauge
}

func newPoolMetrics(name string, reg gometrics.Registry) *poolMetrics {
	return &poolMetrics{
		submitted:  gometrics.GetOrRegisterCounter(name+".submitted", reg),
		completed:  gometrics.GetOrRegisterCounter(name+".completed", reg),
		failed:     gometrics.GetOrRegisterCounter(name+".failed", reg),
		dropped:    gometrics.GetOrRegisterCounter(name+".dropped", reg),
		rejected:   gometrics.GetOrRegisterCounter(name+".rejected", reg),
		callerRuns: gometrics.GetOrRegisterCounter(name+".caller_runs", reg),
		inFlight:   gometrics.GetOrRegisterCounter(name+".in_flight", reg),
		depth:      gometrics.GetOrRegisterGauge(name+".depth", reg),
	}
}

// Stats is a point-in-time view of a pool's counters.
type Stats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	Capacity   int    `json:"capacity"`
	Policy     string `json:"policy"`
	Depth      int64  `json:"depth"`
	InFlight   int64  `json:"in_flight"`
	Submitted  int64  `json:"submitted"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	Dropped    int64  `json:"dropped"`
	Rejected   int64  `json:"rejected"`
	CallerRuns int64  `json:"caller_runs"`
}
