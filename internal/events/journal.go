package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wireagent-go/internal/binding"
	"wireagent-go/internal/session"
	"wireagent-go/internal/wire"
)

// forgetWindow is how long a deleted session keeps ignoring late commands, such as
// the DELETE that removed it or requests that were still in flight.
const forgetWindow = 10 * time.Minute

// Journal records session commands into a Store and hands each new record to
// its subscriber.
type Journal struct {
	store  *Store
	logger *slog.Logger

	mu        sync.Mutex
	onWrite   func(sessionID string, record Record)
	forgotten map[string]time.Time
}

func NewJournal(store *Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, logger: logger, forgotten: map[string]time.Time{}}
}

func (j *Journal) Store() *Store {
	return j.store
}

// OnWrite sets the function called after each record is stored.
func (j *Journal) OnWrite(fn func(sessionID string, record Record)) {
	j.mu.Lock()
	j.onWrite = fn
	j.mu.Unlock()
}

func (j *Journal) ObserveCommand(ev binding.Event) {
	if ev.SessionID == "" {
		return
	}
	c := Command{
		Method:    ev.Method,
		Path:      ev.Path,
		Status:    int(ev.Status),
		Outcome:   ev.Status.String(),
		ElapsedMs: float64(ev.Elapsed.Microseconds()) / 1000,
	}
	// Serialize append and notify so subscribers see records in id order.
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, gone := j.forgotten[ev.SessionID]; gone {
		return
	}
	rec, err := j.store.Append(ev.SessionID, c)
	if err != nil {
		j.logger.Warn("journal append failed", "session", ev.SessionID, "error", err)
		return
	}
	if j.onWrite != nil {
		j.onWrite(ev.SessionID, rec)
	}
}

func (j *Journal) Entries(sessionID string) ([]session.LogEntry, error) {
	records, err := j.store.Records(sessionID)
	if err != nil {
		return nil, err
	}
	entries := make([]session.LogEntry, 0, len(records))
	for _, r := range records {
		c := r.Command
		level := "INFO"
		if wire.Status(c.Status) != wire.Success {
			level = "WARNING"
		}
		entries = append(entries, session.LogEntry{
			Timestamp: r.Time().UnixMilli(),
			Level:     level,
			Message:   fmt.Sprintf("%s %s -> %d %s (%.1fms)", c.Method, c.Path, c.Status, c.Outcome, c.ElapsedMs),
		})
	}
	return entries, nil
}

// Forget drops the session's log. Commands that finish afterwards, including the
// DELETE being served, are not recorded.
func (j *Journal) Forget(sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	for id, at := range j.forgotten {
		if now.Sub(at) > forgetWindow {
			delete(j.forgotten, id)
		}
	}
	j.forgotten[sessionID] = now
	return j.store.Forget(sessionID)
}
