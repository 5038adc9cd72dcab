// Package otel bridges engine counters into an OpenTelemetry Meter.
//
// Each counter becomes an Int64ObservableCounter. The validation latency
// histogram is published as a cumulative bucket gauge keyed by the "le"
// attribute plus a _count gauge. One callback reads a snapshot per
// collection cycle; the caller owns the MeterProvider.
package otel
