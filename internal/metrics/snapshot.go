package metrics

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Sample is one flattened series from a registry snapshot. Histograms and
// summaries are flattened into <name>_sum and <name>_count samples.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Snapshot is a point-in-time, read-only view of a registry.
type Snapshot []Sample

// ParseMetrics gathers g and flattens every series into a Snapshot.
func ParseMetrics(g prometheus.Gatherer) (Snapshot, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var snap Snapshot
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				snap = append(snap, Sample{Name: name, Labels: labels, Value: m.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				snap = append(snap, Sample{Name: name, Labels: labels, Value: m.GetGauge().GetValue()})
			case dto.MetricType_UNTYPED:
				snap = append(snap, Sample{Name: name, Labels: labels, Value: m.GetUntyped().GetValue()})
			case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
				h := m.GetHistogram()
				snap = append(snap,
					Sample{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum()},
					Sample{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount())},
				)
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				snap = append(snap,
					Sample{Name: name + "_sum", Labels: labels, Value: s.GetSampleSum()},
					Sample{Name: name + "_count", Labels: labels, Value: float64(s.GetSampleCount())},
				)
			}
		}
	}
	return snap, nil
}

// SubsetWithLabelValue returns the samples whose label equals value.
func (s Snapshot) SubsetWithLabelValue(label, value string) Snapshot {
	var out Snapshot
	for _, sample := range s {
		if v, ok := sample.Labels[label]; ok && v == value {
			out = append(out, sample)
		}
	}
	return out
}

// SumBy sums the values of every sample named name.
func (s Snapshot) SumBy(name string) float64 {
	var total float64
	for _, sample := range s {
		if sample.Name == name {
			total += sample.Value
		}
	}
	return total
}

// Names returns the distinct sample names in sorted order.
func (s Snapshot) Names() []string {
	seen := make(map[string]struct{})
	for _, sample := range s {
		seen[sample.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TaskGroupSeconds sums the busy time recorded for a task group.
func (s Snapshot) TaskGroupSeconds(group string) float64 {
	return s.SubsetWithLabelValue("task_group", group).SumBy(TaskPollingDuration + "_sum")
}
