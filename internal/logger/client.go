// Package logger is the client side of the log plane. Components log through
// a Client, which queues records in memory and ships them to the log writer's
// request list from a background goroutine, so logging never blocks the
// caller on the broker.
package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/logd"
)

// queueSize bounds the in-memory record queue. Records past the bound are
// dropped rather than blocking the caller.
const queueSize = 1024

// flushTimeout bounds how long Close waits for queued records to drain.
const flushTimeout = 5 * time.Second

// Client sends log records to the daemon's log writer.
type Client struct {
	rdb   redis.UniversalClient
	tag   string
	queue chan logd.Request

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient starts a client logging under tag. Callers own the redis client.
func NewClient(rdb redis.UniversalClient, tag string) *Client {
	c := &Client{
		rdb:   rdb,
		tag:   tag,
		queue: make(chan logd.Request, queueSize),
		done:  make(chan struct{}),
	}
	go c.drain()
	return c
}

func (c *Client) drain() {
	defer close(c.done)
	for req := range c.queue {
		raw, err := json.Marshal(req)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.rdb.LPush(ctx, logd.ReqKey(logd.TagLogWriter), raw).Err(); err != nil {
			logrus.WithError(err).Debug("log record dropped")
		}
		cancel()
	}
}

// Log queues one record. app may be empty for the root log.
func (c *Client) Log(level int, app, msg string, noPublish bool) {
	req := logd.Request{
		Type:      "log",
		Level:     level,
		Tag:       c.tag,
		Msg:       msg,
		App:       app,
		NoPublish: noPublish,
	}
	select {
	case c.queue <- req:
	default:
	}
}

// Debug queues a DEBUG record.
func (c *Client) Debug(app, msg string) { c.Log(logd.LevelDebug, app, msg, false) }

// Info queues an INFO record.
func (c *Client) Info(app, msg string) { c.Log(logd.LevelInfo, app, msg, false) }

// Warning queues a WARNING record.
func (c *Client) Warning(app, msg string) { c.Log(logd.LevelWarning, app, msg, false) }

// Error queues an ERROR record.
func (c *Client) Error(app, msg string) { c.Log(logd.LevelError, app, msg, false) }

// WriteStream logs every line read from r at level, until EOF. Blank lines
// are skipped; noPublish keeps the records off the live topic.
func (c *Client) WriteStream(app string, level int, r io.Reader, noPublish bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.Log(level, app, line, noPublish)
	}
	return errors.Wrap(scanner.Err(), "log stream read failed")
}

// Close flushes queued records on a best-effort basis.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.queue)
		select {
		case <-c.done:
		case <-time.After(flushTimeout):
		}
	})
}
