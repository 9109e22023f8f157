package authserver

// Auth backend event names passed to MetricsRecorder.
const (
	EventLoginSuccess    = "auth.login.success"
	EventLoginFailure    = "auth.login.failure"
	EventRefreshSuccess  = "auth.refresh.success"
	EventRefreshRejected = "auth.refresh.rejected"
	EventLogout          = "auth.logout"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
