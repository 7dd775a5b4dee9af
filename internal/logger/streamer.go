package logger

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/binder-project/binder/internal/logd"
)

// Streamer tails an app's public log: stored history first, then live
// records, with duplicates across the seam suppressed by timestamp.
type Streamer struct {
	rdb redis.UniversalClient
}

// NewStreamer builds a streamer over the shared broker.
func NewStreamer(rdb redis.UniversalClient) *Streamer {
	return &Streamer{rdb: rdb}
}

// Stream sends log lines for app on out until ctx is cancelled. since bounds
// the history fetch; pass the app's last build time to replay one build. The
// channel is closed when the stream ends.
func (s *Streamer) Stream(ctx context.Context, app, since string, out chan<- string) error {
	defer close(out)

	// Subscribe before fetching history so no record falls in the gap.
	sub := s.rdb.Subscribe(ctx, logd.Topic(app))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	history, err := GetLogs(ctx, s.rdb, app, since, true)
	if err != nil {
		return err
	}

	var last time.Time
	for _, line := range strings.Split(history, "\n") {
		if line == "" {
			continue
		}
		if ts, ok := logd.LineTime(line); ok {
			last = ts
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			line := msg.Payload
			if ts, ok := logd.LineTime(line); ok {
				// Drop records already replayed from history.
				if !ts.After(last) {
					continue
				}
				last = ts
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
