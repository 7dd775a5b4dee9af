// Package logd implements binder's multi-process logging daemon: a set of
// modules served over a shared broker. Each module answers one JSON request
// at a time from its request list; the log writer additionally publishes
// accepted records on a pub/sub topic named after the app (or "root") so
// live consumers can tail them. Redis carries both halves of the transport.
package logd

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/binder-project/binder/internal/config"
)

// Module tags registered with the broker.
const (
	TagLogWriter = "log_writer"
	TagLogReader = "log_reader"
	TagKubeProxy = "kube_proxy"
)

// Log levels, as carried on the wire.
const (
	LevelDebug   = 10
	LevelInfo    = 20
	LevelWarning = 30
	LevelError   = 40
)

// LevelName maps a wire level to its rendered name.
func LevelName(level int) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ReqKey is the broker request list for a module tag.
func ReqKey(tag string) string { return "binderd:req:" + tag }

// ReplyKey is the reply list for one in-flight request.
func ReplyKey(id string) string { return "binderd:reply:" + id }

// Topic is the pub/sub channel carrying live records for an app. The empty
// app name maps to the root topic.
func Topic(app string) string {
	if app == "" {
		app = "root"
	}
	return "binderd:logs:" + app
}

// replyTTL bounds how long an unclaimed reply lingers.
const replyTTL = time.Minute

// Request is the envelope every module receives.
type Request struct {
	Type    string `json:"type"`
	ReplyTo string `json:"reply_to,omitempty"`

	// log requests
	Level     int    `json:"level,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Msg       string `json:"msg,omitempty"`
	App       string `json:"app,omitempty"`
	NoPublish bool   `json:"no_publish,omitempty"`

	// get requests
	Since    string `json:"since,omitempty"`
	Filtered bool   `json:"filtered,omitempty"`
}

// Response is the single reply shape every module emits.
type Response struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Success builds a success response.
func Success(msg string) Response { return Response{Type: "success", Msg: msg} }

// Error builds an error response.
func Error(msg string) Response { return Response{Type: "error", Msg: msg} }

// OK reports whether the response is a success.
func (r Response) OK() bool { return r.Type == "success" }

// Encode renders a response for the wire.
func (r Response) Encode() []byte {
	raw, _ := json.Marshal(r)
	return raw
}

// ansiRe matches the colour escapes emitted by build tools, with or without
// the leading ESC byte.
var ansiRe = regexp.MustCompile(`\x1b?\[\d+m`)

// StripANSI removes colour escapes from a message.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// lineRe splits a formatted log line into its timestamp prefix and the rest.
var lineRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3}) `)

// LineTime parses the timestamp prefix of a formatted log line. The zero
// time (and ok=false) is returned for lines without a parseable prefix.
func LineTime(line string) (time.Time, bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(config.TimeFormat, m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
