package logger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/binder-project/binder/internal/logd"
)

// RequestReply sends one request to a daemon module and waits for its reply.
func RequestReply(ctx context.Context, rdb redis.UniversalClient, tag string, req logd.Request, timeout time.Duration) (logd.Response, error) {
	req.ReplyTo = uuid.NewString()
	raw, err := json.Marshal(req)
	if err != nil {
		return logd.Response{}, errors.Wrap(err, "cannot encode request")
	}
	if err := rdb.LPush(ctx, logd.ReqKey(tag), raw).Err(); err != nil {
		return logd.Response{}, errors.Wrapf(err, "cannot reach %s", tag)
	}
	res, err := rdb.BRPop(ctx, timeout, logd.ReplyKey(req.ReplyTo)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return logd.Response{}, errors.Errorf("%s did not reply within %s", tag, timeout)
		}
		return logd.Response{}, errors.Wrapf(err, "waiting on %s", tag)
	}
	var resp logd.Response
	if err := json.Unmarshal([]byte(res[1]), &resp); err != nil {
		return logd.Response{}, errors.Wrapf(err, "malformed reply from %s", tag)
	}
	return resp, nil
}

// GetLogs fetches the stored log for an app, optionally cut to records newer
// than since (a config.TimeFormat timestamp).
func GetLogs(ctx context.Context, rdb redis.UniversalClient, app, since string, filtered bool) (string, error) {
	resp, err := RequestReply(ctx, rdb, logd.TagLogReader, logd.Request{
		Type:     "get",
		App:      app,
		Since:    since,
		Filtered: filtered,
	}, 10*time.Second)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", errors.New(resp.Msg)
	}
	return resp.Msg, nil
}
