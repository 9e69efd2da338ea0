package httpapi

import (
	"net/url"
	"testing"

	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/sink"
)

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Filters
		wantErr bool
	}{
		{"defaults", "", Filters{Page: 1, Limit: defaultLimit, Order: OrderAsc}, false},
		{"clamped", "limit=5000", Filters{Page: 1, Limit: maxLimit, Order: OrderAsc}, false},
		{"staff desc", "filter=admin&order=DESC", Filters{Page: 1, Limit: defaultLimit, Order: OrderDesc, View: feed.StaffOnly}, false},
		{"source", "stream_id=vid", Filters{Page: 1, Limit: defaultLimit, Order: OrderAsc, SourceID: "vid"}, false},
		{"bad limit", "limit=abc", Filters{}, true},
		{"bad filter", "filter=robots", Filters{}, true},
		{"bad since", "since=yesterday", Filters{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, _ := url.ParseQuery(tt.query)
			got, err := ParseFilters(values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr {
				return
			}
			if got.Page != tt.want.Page || got.Limit != tt.want.Limit || got.Order != tt.want.Order ||
				got.View != tt.want.View || got.SourceID != tt.want.SourceID {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseLogFiltersIsStrict(t *testing.T) {
	values, _ := url.ParseQuery("limit=100&page=3")
	f, err := ParseLogFilters(values)
	if err != nil || f.Limit != 100 || f.Page != 3 || f.Order != OrderDesc {
		t.Fatalf("filters = %+v, %v", f, err)
	}
	values, _ = url.ParseQuery("limit=101")
	if _, err := ParseLogFilters(values); err == nil {
		t.Fatalf("limit above 100 should be rejected")
	}
}

func TestUsernamesAreDedupedAndLowered(t *testing.T) {
	values, _ := url.ParseQuery("username=Alice,bob&username=ALICE")
	f, err := ParseFilters(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Usernames) != 2 || f.Usernames[0] != "alice" || f.Usernames[1] != "bob" {
		t.Fatalf("usernames = %v", f.Usernames)
	}
	if !f.Matches(core.ChatMessage{Username: "BobTheBuilder"}) || f.Matches(core.ChatMessage{Username: "carol"}) {
		t.Fatalf("username matching is off")
	}
}

func TestFiltersQuery(t *testing.T) {
	f := Filters{SourceID: "v", View: feed.ViewersOnly, Page: 2, Limit: 10, Order: OrderAsc}
	q := f.Query()
	if q.SourceID != "v" || q.Filter != feed.ViewersOnly || q.Page != 2 || q.Limit != 10 || q.Order != sink.OrderAsc {
		t.Fatalf("query = %+v", q)
	}
}
