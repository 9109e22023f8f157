package sessionclient

import "context"

// HandleVisibilityRegained runs the proactive check at once. Timers may have been throttled while
// the page was hidden, so the token can be closer to expiry than the last tick saw.
func (manager *Manager) HandleVisibilityRegained(ctx context.Context) {
	if !manager.scheduler.Running() {
		return
	}
	manager.proactiveCheck(ctx)
}

// HandleFocus behaves like HandleVisibilityRegained.
func (manager *Manager) HandleFocus(ctx context.Context) {
	manager.HandleVisibilityRegained(ctx)
}

// HandleUnload ends the session locally without any network exchange.
func (manager *Manager) HandleUnload() {
	manager.endSession(ReasonUnload, nil)
}
