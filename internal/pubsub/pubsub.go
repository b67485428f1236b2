// Package pubsub defines the publish/subscribe seam between the engine, the
// simulated market source, and the fan-out gateway.
package pubsub

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Message is one delivered pub/sub payload. Pattern is set when the message
// was matched by a pattern subscription rather than an exact channel.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// PubSub is one consumer connection. Get returns nil without error when no
// message arrives within the timeout, so receive loops can idle gracefully.
type PubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Get(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

// GlobToRegexp translates a Redis-style glob pattern (* and ?) into an
// anchored regular expression.
func GlobToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// GlobMatch reports whether channel matches a Redis-style glob pattern.
// Invalid patterns match nothing.
func GlobMatch(pattern, channel string) bool {
	re, err := GlobToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(channel)
}
