package capture

import "time"

// maxWaitSlice bounds each sleep so a stop request is seen within 100 ms
// even at very low frame rates.
const maxWaitSlice = 100 * time.Millisecond

// Pacer spaces polled grabs at a fixed frame interval. When a grab runs
// late the schedule restarts from now instead of bursting to catch up.
type Pacer struct {
	interval time.Duration
	next     time.Time
	now      func() time.Time
}

func NewPacer(fps int) *Pacer {
	if fps < 1 {
		fps = 1
	}
	return &Pacer{interval: time.Second / time.Duration(fps), now: time.Now}
}

func (p *Pacer) Interval() time.Duration { return p.interval }

// Wait blocks until the next tick. It returns false as soon as stop is
// closed.
func (p *Pacer) Wait(stop <-chan struct{}) bool {
	now := p.now()
	if p.next.IsZero() || now.Sub(p.next) > p.interval {
		p.next = now
	}
	for {
		select {
		case <-stop:
			return false
		default:
		}
		d := p.next.Sub(p.now())
		if d <= 0 {
			p.next = p.next.Add(p.interval)
			return true
		}
		if d > maxWaitSlice {
			d = maxWaitSlice
		}
		t := time.NewTimer(d)
		select {
		case <-stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
