package wallet

import "time"

// SetClock overrides the service clock so tests can walk time across the
// snapshot freshness boundary.
func SetClock(s *Service, now func() time.Time) {
	s.now = now
}
