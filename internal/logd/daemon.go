package logd

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// popTimeout bounds each blocking pop so workers notice cancellation.
const popTimeout = time.Second

// Module is one daemon worker: it claims requests from its tag's list and
// answers them one at a time.
type Module interface {
	Tag() string
	Init() error
	Handle(req Request) Response
	Close() error
}

// Daemon runs a set of modules against one broker. Each module gets its own
// goroutine so a slow handler never starves the others.
type Daemon struct {
	rdb     redis.UniversalClient
	modules []Module
	log     *logrus.Entry
}

// New assembles a daemon. Modules are initialized in order on Run.
func New(rdb redis.UniversalClient, modules ...Module) *Daemon {
	return &Daemon{
		rdb:     rdb,
		modules: modules,
		log:     logrus.WithField("component", "logd"),
	}
}

// Run initializes every module and serves until ctx is cancelled. Modules are
// closed in reverse order on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	var started []Module
	for _, m := range d.modules {
		if err := m.Init(); err != nil {
			d.closeAll(started)
			return errors.Wrapf(err, "cannot initialize %s", m.Tag())
		}
		started = append(started, m)
	}
	defer d.closeAll(started)

	var wg sync.WaitGroup
	for _, m := range d.modules {
		wg.Add(1)
		go func(m Module) {
			defer wg.Done()
			d.serve(ctx, m)
		}(m)
	}
	wg.Wait()
	return nil
}

func (d *Daemon) closeAll(modules []Module) {
	for i := len(modules) - 1; i >= 0; i-- {
		if err := modules[i].Close(); err != nil {
			d.log.WithError(err).Warnf("closing %s", modules[i].Tag())
		}
	}
}

func (d *Daemon) serve(ctx context.Context, m Module) {
	key := ReqKey(m.Tag())
	log := d.log.WithField("module", m.Tag())
	log.Infof("serving %s", key)
	for {
		res, err := d.rdb.BRPop(ctx, popTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("broker pop failed")
			continue
		}
		// BRPOP returns [key, value].
		d.dispatch(ctx, m, log, res[1])
	}
}

func (d *Daemon) dispatch(ctx context.Context, m Module, log *logrus.Entry, raw string) {
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		log.WithError(err).Warn("dropping malformed request")
		return
	}
	resp := m.Handle(req)
	if req.ReplyTo == "" {
		return
	}
	key := ReplyKey(req.ReplyTo)
	if err := d.rdb.LPush(ctx, key, resp.Encode()).Err(); err != nil {
		log.WithError(err).Warn("cannot deliver reply")
		return
	}
	d.rdb.Expire(ctx, key, replyTTL)
}
