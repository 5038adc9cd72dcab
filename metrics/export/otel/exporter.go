package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/fedauth"
	"github.com/MrEthical07/fedauth/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is read once per collection. *fedauth.Engine implements it.
type Source interface {
	MetricsSnapshot() fedauth.MetricsSnapshot
	AuditDropped() uint64
}

type counterBinding struct {
	id         fedauth.MetricID
	instrument metric.Int64ObservableCounter
}

type histogramBinding struct {
	id      fedauth.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	bounds  []metric.ObserveOption
}

// Bridge keeps the callback registration alive until Close.
type Bridge struct {
	source       Source
	registration metric.Registration
	counters     []counterBinding
	histograms   []histogramBinding
	auditDropped metric.Int64ObservableCounter
}

// Register creates the instruments on meter and starts observing source.
func Register(meter metric.Meter, source Source) (*Bridge, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	b := &Bridge{source: source}
	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+2*len(internaldefs.HistogramDefs)+1)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		b.counters = append(b.counters, counterBinding{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return nil, fmt.Errorf("histogram %s count: %w", def.Name, err)
		}
		h := histogramBinding{id: def.ID, buckets: buckets, count: count}
		for _, le := range internaldefs.HistogramBounds {
			h.bounds = append(h.bounds, metric.WithAttributes(attribute.String("le", le)))
		}
		b.histograms = append(b.histograms, h)
		observables = append(observables, buckets, count)
	}

	dropped, err := meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription("Audit events dropped on a full buffer."),
	)
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", internaldefs.AuditDroppedName, err)
	}
	b.auditDropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(b.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	b.registration = reg
	return b, nil
}

func (b *Bridge) observe(_ context.Context, o metric.Observer) error {
	snapshot := b.source.MetricsSnapshot()
	for _, c := range b.counters {
		o.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range b.histograms {
		raw, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, opt := range h.bounds {
			o.ObserveInt64(h.buckets, int64(cumulative[i]), opt)
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(b.auditDropped, int64(b.source.AuditDropped()))
	return nil
}

// Close stops observation. Safe on a nil Bridge.
func (b *Bridge) Close() error {
	if b == nil || b.registration == nil {
		return nil
	}
	return b.registration.Unregister()
}
