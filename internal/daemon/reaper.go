package daemon

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/cluster"
)

// Reaper periodically tears down idle apps.
type Reaper struct {
	ctrl      cluster.Controller
	period    time.Duration
	threshold time.Duration
	log       *logrus.Entry

	stop chan struct{}
	done chan struct{}
}

// NewReaper builds a reaper ticking every period, removing apps idle longer
// than threshold.
func NewReaper(ctrl cluster.Controller, period, threshold time.Duration) *Reaper {
	return &Reaper{
		ctrl:      ctrl,
		period:    period,
		threshold: threshold,
		log:       logrus.WithField("component", "reaper"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the tick loop.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.ctrl.ReapIdleApps(r.threshold); err != nil {
					r.log.WithError(err).Warn("reap pass failed")
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass to end.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}
