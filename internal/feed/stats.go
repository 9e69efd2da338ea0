package feed

import "time"

const recentWindow = 24 * time.Hour

// Stats summarises the current session.
type Stats struct {
	SourceID     string `json:"stream_id"`
	Total        int    `json:"total_messages"`
	Staff        int    `json:"admin_messages"`
	Viewers      int    `json:"viewer_messages"`
	Processed    int    `json:"processed"`
	Pending      int    `json:"pending"`
	UniqueUsers  int    `json:"unique_users"`
	RecentWindow int    `json:"recent_messages_24h"`
}

// Stats counts messages as of now. The recent window uses embedded
// timestamps, which is the only place they are interpreted.
func (f *Feed) Stats(now time.Time) Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := Stats{SourceID: f.sourceID, Total: len(f.msgs)}
	users := make(map[string]struct{})
	since := now.Add(-recentWindow)
	for _, m := range f.msgs {
		if m.Roles.IsStaff() {
			st.Staff++
		} else {
			st.Viewers++
		}
		if m.Processed {
			st.Processed++
		} else {
			st.Pending++
		}
		if m.UserID != "" {
			users[m.UserID] = struct{}{}
		}
		if !m.Ts.Before(since) {
			st.RecentWindow++
		}
	}
	st.UniqueUsers = len(users)
	return st
}
