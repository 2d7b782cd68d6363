// Package redis implements the store ports on Redis. Multi-key mutations
// run as Lua scripts so concurrent workers observe atomic transitions, and
// change notifications ride Redis pub/sub.
package redis

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix namespaces every key when the caller passes none.
const DefaultPrefix = "taskq"

func keyPrefix(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(prefix, ":")
}

// channelPrefix rewrites the key prefix into the restricted channel
// alphabet shared with the Postgres LISTEN path.
func channelPrefix(prefix string) string {
	return strings.NewReplacer(":", "_", "-", "_", ".", "_").Replace(keyPrefix(prefix))
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// toInt64 converts a Lua script reply element.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}

// toString converts a Lua script reply element.
func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
