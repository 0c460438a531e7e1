package dispatch

import "time"

const (
	TickInterval = 100 * time.Millisecond
	ticksPerSlow = 10
	counterWrap  = 100
)

// Ticker receives scheduler firings in order: every 100 ms step, the
// dependent 1000 ms step, then once per Advance.
type Ticker interface {
	OnTick100ms(now time.Time)
	OnTick1000ms(now time.Time)
	OnTick(now time.Time)
}

// Scheduler is a cooperative clock driven only by Advance. It owns no timers
// and is fully replayable.
type Scheduler struct {
	ticker  Ticker
	epoch   time.Time
	elapsed time.Duration
	carry   time.Duration
	counter int

	Fired100  uint64
	Fired1000 uint64
}

func NewScheduler(ticker Ticker) *Scheduler {
	return &Scheduler{ticker: ticker, epoch: time.Unix(0, 0).UTC()}
}

// Advance accounts elapsed simulated time. Every full 100 ms fires one fast
// tick and every tenth fast tick a slow tick; leftovers carry over.
func (s *Scheduler) Advance(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	s.carry += elapsed
	for s.carry >= TickInterval {
		s.carry -= TickInterval
		boundary := s.epoch.Add(s.elapsed + elapsed - s.carry)
		s.counter++
		s.Fired100++
		s.ticker.OnTick100ms(boundary)
		if s.counter%ticksPerSlow == 0 {
			s.Fired1000++
			s.ticker.OnTick1000ms(boundary)
		}
		if s.counter >= counterWrap {
			s.counter = 0
		}
	}
	s.elapsed += elapsed
	s.ticker.OnTick(s.Now())
}

// Now is the simulated clock.
func (s *Scheduler) Now() time.Time {
	return s.epoch.Add(s.elapsed)
}

func (s *Scheduler) Counter() int { return s.counter }
