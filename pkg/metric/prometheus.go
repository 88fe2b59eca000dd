// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusPrefix is prepended to every exported metric name.
const PrometheusPrefix = "vmspace"

// PrometheusName converts a metric name such as "/mm/unmaps" into the name it
// is exported under, such as "vmspace_mm_unmaps".
func PrometheusName(name string) string {
	return PrometheusPrefix + strings.ReplaceAll(name, "/", "_")
}

// MetricFamilies returns a snapshot of all registered metrics, sorted by name.
func MetricFamilies() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	names := make([]string, 0, len(allMetrics.meta))
	for name := range allMetrics.meta {
		names = append(names, name)
	}
	sort.Strings(names)
	metas := make([]metadata, 0, len(names))
	values := make([]*customUint64Metric, 0, len(names))
	for _, name := range names {
		metas = append(metas, allMetrics.meta[name])
		values = append(values, allMetrics.metrics[name])
	}
	allMetrics.mu.Unlock()

	families := make([]*dto.MetricFamily, 0, len(names))
	for i, md := range metas {
		m := values[i]
		typ := dto.MetricType_GAUGE
		if md.cumulative {
			typ = dto.MetricType_COUNTER
		}
		family := &dto.MetricFamily{
			Name: proto.String(PrometheusName(md.name)),
			Help: proto.String(md.description),
			Type: typ.Enum(),
		}
		for key := 0; key < m.fieldMapper.numKeys(); key++ {
			fieldValues := m.fieldMapper.keyToMultiField(key)
			var labels []*dto.LabelPair
			for j, v := range fieldValues {
				labels = append(labels, &dto.LabelPair{
					Name:  proto.String(md.fields[j].name),
					Value: proto.String(v),
				})
			}
			val := float64(m.value(fieldValues...))
			sample := &dto.Metric{Label: labels}
			if md.cumulative {
				sample.Counter = &dto.Counter{Value: proto.Float64(val)}
			} else {
				sample.Gauge = &dto.Gauge{Value: proto.Float64(val)}
			}
			family.Metric = append(family.Metric, sample)
		}
		families = append(families, family)
	}
	return families
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format. It returns the number of bytes written.
func WritePrometheus(w io.Writer) (int, error) {
	written := 0
	for _, family := range MetricFamilies() {
		n, err := expfmt.MetricFamilyToText(w, family)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
