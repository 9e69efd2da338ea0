package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/botpanel/internal/ingest"
)

// SetConn attaches the reconnectable source used by ReloadSource.
func (s *Session) SetConn(conn ingest.Reconnector) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// ReloadSource re-reads the token file and reconnects the live source with
// it. It returns the login the source is joined as.
func (s *Session) ReloadSource() (string, error) {
	s.mu.Lock()
	conn, tokens := s.conn, s.tokens
	s.mu.Unlock()

	if conn == nil {
		return "", fmt.Errorf("source connection unavailable")
	}
	if tokens == nil || strings.TrimSpace(tokens.Path) == "" {
		return "", fmt.Errorf("token file not configured")
	}
	token, _, err := tokens.Load()
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if err := conn.Reconnect(token); err != nil {
		s.Bot.RecordError()
		return "", fmt.Errorf("reconnect: %w", err)
	}
	login := conn.JoinedNick()
	s.log.Info("session: reloaded token and rejoined", "as", login)
	return login, nil
}

// WatchTokenFiles reloads the source whenever one of paths changes. Bursts of
// events within the debounce window trigger one reload. The watcher stops
// when ctx is done.
func (s *Session) WatchTokenFiles(ctx context.Context, paths ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	added := false
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			s.log.Error("watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return nil
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						s.log.Error("watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(s.debounce)
				}
			case <-debounce.C:
				if _, err := s.ReloadSource(); err != nil {
					s.log.Error("token reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Error("watch error", "err", err)
			}
		}
	}()
	return nil
}
