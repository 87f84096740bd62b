package bytemapper

import (
	"log/slog"
	"time"
)

// watchdog logs phases that run longer than the configured budget. It only
// observes; results never depend on it.
type watchdog struct {
	budget time.Duration
}

func newWatchdog(ms int) watchdog {
	return watchdog{budget: time.Duration(ms) * time.Millisecond}
}

// phase starts timing name. The returned func ends the phase.
func (w watchdog) phase(name string) func() {
	if w.budget <= 0 {
		return func() {}
	}
	start := time.Now()
	return func() {
		if elapsed := time.Since(start); elapsed > w.budget {
			slog.Warn("phase exceeded budget", "phase", name, "elapsed", elapsed, "budget", w.budget)
		}
	}
}
