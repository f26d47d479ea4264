package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is the on-disk rules format.
type Document struct {
	Global Block   `yaml:"global"`
	Routes []Route `yaml:"routes" validate:"unique=Name,dive"`
}

// Block holds the policies that can be set globally or per route. Nil
// fields inherit.
type Block struct {
	RateLimit *RateLimitRule `yaml:"rate_limit"`
	Throttle  *ThrottleRule  `yaml:"throttle"`
}

type Route struct {
	Name    string   `yaml:"name" validate:"required,ne=global"`
	Pattern string   `yaml:"pattern" validate:"required,startswith=/,unreserved"`
	Methods []string `yaml:"methods" validate:"dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	// Group shares rate limit counters between routes.
	Group string `yaml:"group"`

	Block `yaml:",inline"`
}

type RateLimitRule struct {
	Disabled          *bool     `yaml:"disabled"`
	Max               *int      `yaml:"max" validate:"omitnil,gt=0"`
	Window            *Duration `yaml:"window" validate:"omitnil,window"`
	Ban               *int      `yaml:"ban" validate:"omitnil,gte=0"`
	ContinueExceeding *bool     `yaml:"continue_exceeding"`
	SkipOnError       *bool     `yaml:"skip_on_error"`
	DraftHeaders      *bool     `yaml:"draft_headers"`
	AllowList         []string  `yaml:"allow_list" validate:"dive,ip|cidr"`
}

type ThrottleRule struct {
	Disabled                *bool  `yaml:"disabled"`
	BytesPerSecond          *int64 `yaml:"bytes_per_second" validate:"omitnil,gte=0"`
	Burst                   *int   `yaml:"burst" validate:"omitnil,gte=0"`
	InboundBytesPerSecond   *int64 `yaml:"inbound_bytes_per_second" validate:"omitnil,gte=0"`
	PerClientBytesPerSecond *int64 `yaml:"per_client_bytes_per_second" validate:"omitnil,gte=0"`
	Steps                   []Step `yaml:"steps" validate:"dive"`
}

// Step changes the throttle rate once a response has run for After or sent
// AfterBytes. Both set means both are needed.
type Step struct {
	After          Duration `yaml:"after" validate:"gte=0"`
	AfterBytes     int64    `yaml:"after_bytes" validate:"gte=0"`
	BytesPerSecond int64    `yaml:"bytes_per_second" validate:"gte=0"`
}

// Duration accepts Go duration strings ("1m", "500ms") or a bare integer
// number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	if s == "" {
		*d = 0
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
