package ratelimit

import (
	"math"
	"strconv"
	"time"
)

// HumanizeDuration renders d for people: "500 ms", "1 minute", "2 hours".
// The largest unit that fits is used, rounded, and pluralised from 1.5 up.
func HumanizeDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	for _, u := range units {
		if d >= u.size {
			n := math.Round(float64(d) / float64(u.size))
			s := strconv.FormatFloat(n, 'f', 0, 64) + " " + u.name
			if d >= u.size*3/2 {
				s += "s"
			}
			return s
		}
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + " ms"
}
