package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/infra/logger"
)

// Build assembles the recorders enabled in cfg. The returned close function
// releases backend clients and is never nil.
func Build(cfg coremetrics.Config, reg prometheus.Registerer, log logger.Logger) (coremetrics.Recorder, func(), error) {
	cfg.SetDefaults()
	var recs []coremetrics.Recorder
	closers := []func(){}
	if cfg.PrometheusEnabled {
		prom, err := NewPromRecorderWithRegistry(reg)
		if err != nil {
			return nil, func() {}, err
		}
		recs = append(recs, prom)
	}
	if cfg.InfluxEnabled {
		rec := NewInfluxRecorderWithFallback(cfg, log)
		if ir, ok := rec.(*InfluxRecorder); ok {
			closers = append(closers, ir.Close)
		}
		recs = append(recs, rec)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(recs) {
	case 0:
		return coremetrics.NopRecorder{}, closeAll, nil
	case 1:
		return recs[0], closeAll, nil
	default:
		return NewMultiRecorder(recs...), closeAll, nil
	}
}
