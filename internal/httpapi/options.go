package httpapi

import "time"

// Options controls HTTP API runtime behavior (timeouts, limits, file names).
type Options struct {
	// ConvertTimeout is the hard upper bound for a single conversion request
	// (fetch + ruleset expansion + decode + render).
	ConvertTimeout time.Duration

	// FetchTimeout is the per-HTTP-request timeout used when fetching remote
	// resources (subscription/profile/ruleset).
	FetchTimeout time.Duration

	// MaxBytes caps a fetched or posted subscription document; 0 keeps the
	// fetch default.
	MaxBytes int64

	// Workers bounds parallel link decoding; <= 0 means GOMAXPROCS.
	Workers int

	UserAgent string

	// OutboundsName and RoutingName are the attachment names used by /sub.
	OutboundsName string
	RoutingName   string
}

const (
	DefaultOutboundsName = "04_outbounds.json"
	DefaultRoutingName   = "05_routing.json"

	defaultMaxContentBytes = 5 * 1024 * 1024
)

func (o Options) withDefaults() Options {
	if o.ConvertTimeout <= 0 {
		o.ConvertTimeout = 60 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if o.OutboundsName == "" {
		o.OutboundsName = DefaultOutboundsName
	}
	if o.RoutingName == "" {
		o.RoutingName = DefaultRoutingName
	}
	return o
}

func (o Options) maxContentBytes() int64 {
	if o.MaxBytes > 0 {
		return o.MaxBytes
	}
	return defaultMaxContentBytes
}
