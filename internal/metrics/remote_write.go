package metrics

import (
	"context"
	"fmt"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

// StartRemoteWrite pushes guild scoped series to Mimir until ctx ends. It
// returns immediately when no Mimir URL is configured.
func (c *Collector) StartRemoteWrite(ctx context.Context) {
	if c.mimir == nil {
		return
	}

	interval := c.config.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeToMimir(ctx); err != nil {
				c.logger.Warn("Remote write failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) writeToMimir(ctx context.Context) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	byTenant := metricsToSeries(mfs, time.Now())

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	for tenantID, series := range byTenant {
		for i := 0; i < len(series); i += batchSize {
			end := i + batchSize
			if end > len(series) {
				end = len(series)
			}
			if err := c.mimir.Push(ctx, tenantID, series[i:end]); err != nil {
				return fmt.Errorf("failed to send batch for %s: %w", tenantID, err)
			}
		}
	}

	return nil
}

// metricsToSeries converts gathered families into remote write series
// grouped by their tenant_id label. Series without one are skipped.
func metricsToSeries(mfs []*dto.MetricFamily, now time.Time) map[string][]prompb.TimeSeries {
	ts := now.UnixMilli()
	out := make(map[string][]prompb.TimeSeries)

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			var tenantID string
			labels := make([]prompb.Label, 0, len(m.Label)+1)

			for _, l := range m.Label {
				if l.GetName() == "tenant_id" {
					tenantID = l.GetValue()
				}
				labels = append(labels, prompb.Label{
					Name:  l.GetName(),
					Value: l.GetValue(),
				})
			}

			if tenantID == "" {
				continue
			}

			labels = append(labels, prompb.Label{
				Name:  "__name__",
				Value: mf.GetName(),
			})

			var value float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = m.Counter.GetValue()
			case dto.MetricType_GAUGE:
				value = m.Gauge.GetValue()
			case dto.MetricType_HISTOGRAM:
				for _, bucket := range m.Histogram.Bucket {
					bucketLabels := append([]prompb.Label{}, labels...)
					bucketLabels = append(bucketLabels, prompb.Label{
						Name:  "le",
						Value: fmt.Sprintf("%g", bucket.GetUpperBound()),
					})

					out[tenantID] = append(out[tenantID], prompb.TimeSeries{
						Labels:  bucketLabels,
						Samples: []prompb.Sample{{Value: float64(bucket.GetCumulativeCount()), Timestamp: ts}},
					})
				}
				continue
			default:
				continue
			}

			out[tenantID] = append(out[tenantID], prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
			})
		}
	}

	return out
}
