package scheduler

import (
	"time"

	"progload/logx"
)

// Debounce arms (or re-arms) a timer for key. Only the last call within
// the delay window submits its work; earlier calls with the same key are
// superseded. A timer that fires after Stop is a no-op.
func (s *Service) Debounce(key string, delay time.Duration, work WorkFunc) {
	if work == nil {
		return
	}
	if delay <= 0 {
		delay = time.Millisecond
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.debDone {
		return
	}
	if tmr, ok := s.timers[key]; ok {
		tmr.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.dmu.Lock()
		if s.debDone {
			s.dmu.Unlock()
			return
		}
		delete(s.timers, key)
		s.dmu.Unlock()

		if _, err := s.Submit("debounce:"+key, work, nil); err != nil {
			s.log.Debug("debounced submit dropped",
				logx.String("key", key), logx.Err(err))
		}
	})
}

// stopDebounce stops every armed timer and refuses late firings.
func (s *Service) stopDebounce() {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.debDone = true
	for key, tmr := range s.timers {
		tmr.Stop()
		delete(s.timers, key)
	}
}
