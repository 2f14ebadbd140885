package relay

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricStreamAcceptedCount    = []string{"portunus", "relay", "stream", "accepted", "count"}
	MetricStreamAcceptErrorCount = []string{"portunus", "relay", "stream", "accept", "error", "count"}
	MetricDatagramInCount        = []string{"portunus", "relay", "datagram", "in", "count"}
	MetricDatagramInErrorCount   = []string{"portunus", "relay", "datagram", "in", "error", "count"}
	MetricDatagramOutErrorCount  = []string{"portunus", "relay", "datagram", "out", "error", "count"}
	MetricDispatchCount          = []string{"portunus", "relay", "dispatch", "count"}
	MetricDroppedCount           = []string{"portunus", "relay", "dropped", "count"}
	MetricPausedDropCount        = []string{"portunus", "relay", "paused", "dropped", "count"}
	MetricCallCount              = []string{"portunus", "relay", "door", "call", "count"}
	MetricCallErrorCount         = []string{"portunus", "relay", "door", "call", "error", "count"}
	MetricAttendantQueueLength   = []string{"portunus", "relay", "attendant", "queue", "length"}
)

// TelemetryLabel is the name of a label attached to relay metrics.
type TelemetryLabel string

var (
	LabelTarget    TelemetryLabel = "target"
	LabelProtocol  TelemetryLabel = "protocol"
	LabelAttendant TelemetryLabel = "attendant"
)

// M returns a metrics.Label with this name and val.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}
