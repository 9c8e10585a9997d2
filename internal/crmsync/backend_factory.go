package crmsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildConnectionStoreFromDSN picks a ConnectionStore implementation by DSN
// scheme. An empty DSN yields (nil, nil) so the caller can apply its own
// default.
func BuildConnectionStoreFromDSN(dsn string) (ConnectionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryConnectionStore(), nil
	case "postgres", "postgresql":
		return NewPostgresConnectionStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: connection store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported connection store scheme: %s", scheme)
	}
}

// BuildSegmentCacheFromDSN picks a SegmentCache implementation by DSN scheme.
func BuildSegmentCacheFromDSN(dsn string) (SegmentCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemorySegmentCache(), nil
	case "postgres", "postgresql":
		return NewPostgresSegmentCache(dsn)
	case "redis", "rediss":
		return NewRedisSegmentCache(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: segment cache %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported segment cache scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(parsed.Scheme)), nil
}
