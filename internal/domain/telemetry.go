package domain

import "time"

// Telemetry is the optional host-supplied sink for completion lifecycle
// events. The core functions identically when no sink is configured.
type Telemetry interface {
	RequestStarted(requestID, providerID, modelID string)
	RequestCompleted(requestID string, latency time.Duration, usage Usage)
	RequestFailed(requestID string, latency time.Duration, code ErrorCode)
}

// NopTelemetry discards all events.
type NopTelemetry struct{}

func (NopTelemetry) RequestStarted(string, string, string)          {}
func (NopTelemetry) RequestCompleted(string, time.Duration, Usage)  {}
func (NopTelemetry) RequestFailed(string, time.Duration, ErrorCode) {}
