package tracking

import "time"

type SchedulerConfig struct {
	ActiveInterval time.Duration // default: 15 seconds
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{ActiveInterval: 15 * time.Second}
}

// Scheduler decides the next refresh: a fixed interval while the delivery
// moves, nothing once it is over or has not started.
type Scheduler struct {
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) Interval() time.Duration {
	return s.cfg.ActiveInterval
}

// Decide returns (delay, true) when a poll should be scheduled.
func (s *Scheduler) Decide(v View) (time.Duration, bool) {
	switch v.State {
	case StateDone, StateClosed, StateNotFound, StateIdle:
		return 0, false
	}
	if v.IsTerminal {
		return 0, false
	}
	if v.Record == nil {
		// first load keeps retrying on the regular tick
		if v.State == StateError {
			return s.cfg.ActiveInterval, true
		}
		return 0, false
	}
	if v.Record.RawStatus.IsActive() {
		return s.cfg.ActiveInterval, true
	}
	return 0, false
}
