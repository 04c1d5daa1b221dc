package refd

import "time"

// StartSweeper launches the periodic reaper that removes expired artifacts.
// The goroutine is owned by the registry; calling StartSweeper twice without
// an intervening StopSweeper is a no-op. A non-positive interval selects
// DefaultReapInterval.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	r.mu.Lock()
	if r.sweeperStop != nil {
		r.mu.Unlock()
		return
	}
	r.sweeperStop = make(chan struct{})
	r.sweeperDone.Add(1)
	stopCh := r.sweeperStop
	r.mu.Unlock()
	go func() {
		defer r.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-r.clock.After(interval):
				if n := r.SweepExpired(); n > 0 {
					r.sweepLogger.Info("swept expired artifacts", "count", n)
				}
			}
		}
	}()
	r.sweepLogger.Debug("sweeper started", "interval", interval)
}

// StopSweeper stops the reaper and waits for the goroutine to exit. Safe to
// call when the sweeper never started or already stopped.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	stopCh := r.sweeperStop
	if stopCh != nil {
		close(stopCh)
		r.sweeperStop = nil
	}
	r.mu.Unlock()
	if stopCh != nil {
		r.sweeperDone.Wait()
		r.sweepLogger.Debug("sweeper stopped")
	}
}
