package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/sink"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	defaultLogLimit = 50
	maxLogLimit     = 100
)

// Order represents the chronological order to use when listing messages.
type Order string

const (
	// OrderDesc returns messages newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns messages oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for message lookups.
type Filters struct {
	SourceID  string
	View      feed.Filter
	Usernames []string
	Since     *time.Time
	Page      int
	Limit     int
	Order     Order
}

type limits struct {
	def, max int
	// strict rejects limits above max instead of clamping.
	strict bool
	order  Order
}

// ParseFilters parses query parameters for the live feed, which defaults to
// admission order.
func ParseFilters(values url.Values) (Filters, error) {
	return parseFilters(values, limits{def: defaultLimit, max: maxLimit, order: OrderAsc})
}

// ParseLogFilters parses query parameters for the archive. Limits outside
// 1..100 are rejected.
func ParseLogFilters(values url.Values) (Filters, error) {
	return parseFilters(values, limits{def: defaultLogLimit, max: maxLogLimit, strict: true, order: OrderDesc})
}

func parseFilters(values url.Values, lim limits) (Filters, error) {
	f := Filters{
		Page:  1,
		Limit: lim.def,
		Order: lim.order,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > lim.max {
			if lim.strict {
				return Filters{}, errors.New("limit must be between 1 and " + strconv.Itoa(lim.max))
			}
			n = lim.max
		}
		f.Limit = n
	}

	if raw := values.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("page must be a positive integer")
		}
		f.Page = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	view, err := feed.ParseFilter(values.Get("filter"))
	if err != nil {
		return Filters{}, err
	}
	f.View = view

	for _, key := range []string{"source", "stream_id"} {
		if raw := strings.TrimSpace(values.Get(key)); raw != "" {
			f.SourceID = raw
			break
		}
	}

	if usernames := collect(values, "username"); len(usernames) > 0 {
		seen := make(map[string]struct{})
		for _, raw := range usernames {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				lowered := strings.ToLower(part)
				if _, exists := seen[lowered]; !exists {
					f.Usernames = append(f.Usernames, lowered)
					seen[lowered] = struct{}{}
				}
			}
		}
	}

	return f, nil
}

// FiltersFromRequest parses live feed filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func collect(values url.Values, key string) []string {
	out := values[key]
	if out == nil {
		return nil
	}
	return out
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided message satisfies the filters.
func (f Filters) Matches(msg core.ChatMessage) bool {
	if !f.View.Match(msg) {
		return false
	}

	if len(f.Usernames) > 0 {
		username := strings.ToLower(msg.Username)
		match := false
		for _, u := range f.Usernames {
			if strings.Contains(username, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil {
		since := f.Since.UTC()
		if msg.Ts.Before(since) {
			return false
		}
	}

	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	f.Page = 0
	return f
}

// Query converts the filters into an archive query.
func (f Filters) Query() sink.Query {
	q := sink.Query{
		SourceID:  f.SourceID,
		Filter:    f.View,
		Usernames: f.Usernames,
		Since:     f.Since,
		Page:      f.Page,
		Limit:     f.Limit,
	}
	if f.Order == OrderAsc {
		q.Order = sink.OrderAsc
	}
	return q
}
