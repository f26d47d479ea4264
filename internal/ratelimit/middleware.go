package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keithlinneman/throttlegate/internal/log"
)

// response header names, net/http canonicalises them on Set
type headerNames struct {
	limit, remaining, reset, retryAfter string
}

var (
	standardHeaders = headerNames{"x-ratelimit-limit", "x-ratelimit-remaining", "x-ratelimit-reset", "retry-after"}
	draftHeaders    = headerNames{"ratelimit-limit", "ratelimit-remaining", "ratelimit-reset", "retry-after"}
)

// errorBody is the JSON body for limited, banned and failed requests.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func defaultErrorResponse(_ *http.Request, ec ErrorContext) (int, any) {
	if ec.Banned {
		return http.StatusForbidden, errorBody{
			StatusCode: http.StatusForbidden,
			Error:      "Forbidden",
			Message:    "Forbidden",
		}
	}
	return http.StatusTooManyRequests, errorBody{
		StatusCode: http.StatusTooManyRequests,
		Error:      "Too Many Requests",
		Message:    "Rate limit exceeded, retry in " + ec.After,
	}
}

// Middleware returns middleware that counts requests and rejects those over
// the limit with 429, or 403 once banned.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		d, err := l.Check(r)
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "rate limit check failed", "route", l.route, "key", d.Key)
			writeJSON(w, http.StatusInternalServerError, errorBody{
				StatusCode: http.StatusInternalServerError,
				Error:      "Internal Server Error",
				Message:    "rate limit unavailable",
			})
			return
		}
		if l.OnDecision != nil {
			l.OnDecision(r, d)
		}
		if d.AllowListed || d.Skipped {
			next.ServeHTTP(w, r)
			return
		}

		names := standardHeaders
		if l.draftHeaders {
			names = draftHeaders
		}

		if !d.Exceeded {
			l.setHeaders(w.Header(), names, l.addHeadersOnExceeding, d)
			if l.OnExceeding != nil {
				l.OnExceeding(r, d.Key)
			}
			next.ServeHTTP(w, r)
			return
		}

		l.setHeaders(w.Header(), names, l.addHeaders, d)
		ec := ErrorContext{Max: d.Limit, TTL: d.TTL, After: HumanizeDuration(d.Reset), Banned: d.Banned}

		if d.Banned {
			if l.OnBanReach != nil {
				l.OnBanReach(r, d.Key)
			}
		} else {
			if l.OnExceeded != nil {
				l.OnExceeded(r, d.Key)
			}
			if d.FirstExceeded && l.OnFirstExceeded != nil {
				l.OnFirstExceeded(r, d.Key)
			}
		}

		status, body := l.errorResponse(r, ec)
		writeJSON(w, status, body)
	})
}

func (l *Limiter) setHeaders(h http.Header, names headerNames, which Headers, d Decision) {
	if which.Limit {
		h.Set(names.limit, strconv.Itoa(d.Limit))
	}
	if which.Remaining {
		h.Set(names.remaining, strconv.Itoa(d.Remaining))
	}
	if which.Reset {
		h.Set(names.reset, strconv.FormatInt(int64(d.Reset.Seconds()), 10))
	}
	if which.RetryAfter && d.Exceeded {
		h.Set(names.retryAfter, strconv.FormatInt(int64(d.Reset.Seconds()), 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
