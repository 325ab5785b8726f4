package env

import "k8s.io/apimachinery/pkg/api/resource"

// Metric field names used for aggregation.
const (
	FieldCPU = "cpu"
	FieldRAM = "ram"
)

// Fields flattens the sample into numeric fields: cpu in cores, ram in bytes, plus extras.
// Unparseable quantities are skipped.
func (m MetricEntry) Fields() map[string]float64 {
	out := make(map[string]float64, 2+len(m.Extra))
	if q, err := resource.ParseQuantity(m.CPU); err == nil && m.CPU != "" {
		out[FieldCPU] = q.AsApproximateFloat64()
	}
	if q, err := resource.ParseQuantity(m.RAM); err == nil && m.RAM != "" {
		out[FieldRAM] = q.AsApproximateFloat64()
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return out
}

// CPUQuantity formats a core count (e.g. 0.25) as a milli-core quantity string.
func CPUQuantity(cores float64) string {
	return resource.NewMilliQuantity(int64(cores*1000), resource.DecimalSI).String()
}

// RAMQuantity formats a byte count as a binary quantity string.
func RAMQuantity(bytes uint64) string {
	return resource.NewQuantity(int64(bytes), resource.BinarySI).String()
}
