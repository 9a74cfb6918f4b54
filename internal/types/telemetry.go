package types

// Telemetry metric names for CloudWatch and Prometheus.
// All components MUST use these constants.
const (
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliverySuccess = "DeliverySuccess"
	MetricDeliveryFailed  = "DeliveryFailed"
	MetricDeliveryRetried = "DeliveryRetried"
	MetricBounce          = "Bounce"
	MetricDedupSkipped    = "DedupSkipped"
	MetricQueueDepth      = "QueueDepth"
	MetricJobRun          = "JobRun"

	// Dimension Keys
	DimTemplate  = "Template"
	DimProvider  = "Provider"
	DimErrorKind = "ErrorKind"
	DimJob       = "Job"
	DimResult    = "Result"

	MetricNamespace = "Courier"
)
