package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

type Metric[S any] struct {
	Desc  *prometheus.Desc
	Type  prometheus.ValueType
	Value func(*S) float64
}

func NewMetric[S any](namespace string, name string, help string, valueType prometheus.ValueType, constLabels prometheus.Labels, value func(*S) float64) Metric[S] {
	return Metric[S]{
		Desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, constLabels),
		Type:  valueType,
		Value: value,
	}
}

// Collector exports fields of a snapshot that is taken on every scrape,
// so state owned by an event loop is never read from the scrape goroutine.
type Collector[S any] struct {
	snapshot func(context.Context) (*S, error)
	metrics  []Metric[S]
}

func NewCollector[S any](snapshot func(context.Context) (*S, error), metrics ...Metric[S]) *Collector[S] {
	return &Collector[S]{
		snapshot: snapshot,
		metrics:  metrics,
	}
}

func (c *Collector[S]) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.Desc
	}
}

func (c *Collector[S]) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	s, err := c.snapshot(ctx)
	if err != nil {
		for _, metric := range c.metrics {
			ch <- prometheus.NewInvalidMetric(metric.Desc, err)
		}
		return
	}

	for _, metric := range c.metrics {
		ch <- prometheus.MustNewConstMetric(metric.Desc, metric.Type, metric.Value(s))
	}
}
