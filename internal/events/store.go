package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Command is one finished session command as the journal files it.
type Command struct {
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Status    int     `json:"status"`
	Outcome   string  `json:"outcome"`
	ElapsedMs float64 `json:"elapsedMs"`
}

// Record is a stored command and the ulid it was filed under. Payload is the
// command exactly as written to disk, ready to relay as JSON.
type Record struct {
	ID      string
	Command Command
	Payload string
}

// Time is when the record was appended, taken from its id.
func (r Record) Time() time.Time {
	id, err := ulid.ParseStrict(r.ID)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

var unsafeLogName = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Store keeps one append-only command log per session under Dir. Every line is
// "<ulid>:<command json>". Ids are issued under the write lock, so they sort in
// append order and Since can resume a stream from the last id a client saw. A
// Store expects to be the only writer of Dir.
type Store struct {
	Dir string

	mu sync.RWMutex
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) logFile(sessionID string) string {
	return filepath.Join(s.Dir, unsafeLogName.ReplaceAllString(sessionID, "_")+".jsonl")
}

// Append files c at the end of the session's log.
func (s *Store) Append(sessionID string, c Command) (Record, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Record{}, err
	}
	f, err := os.OpenFile(s.logFile(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: ulid.Make().String(), Command: c, Payload: string(payload)}
	if _, err := f.WriteString(rec.ID + ":" + rec.Payload + "\n"); err != nil {
		_ = f.Close()
		return Record{}, err
	}
	return rec, f.Close()
}

// Records returns the whole log of a session, oldest first. A session that never
// logged anything has an empty log.
func (s *Store) Records(sessionID string) ([]Record, error) {
	return s.Since(sessionID, "")
}

// Since returns the records filed after the id afterID. An empty afterID returns
// the whole log.
func (s *Store) Since(sessionID, afterID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := os.Open(s.logFile(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rec, ok := parseRecord(scanner.Text())
		if !ok || (afterID != "" && rec.ID <= afterID) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// parseRecord skips lines a crash cut short instead of failing the whole log.
func parseRecord(line string) (Record, bool) {
	id, payload, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok || len(id) != ulid.EncodedSize {
		return Record{}, false
	}
	rec := Record{ID: id, Payload: payload}
	if err := json.Unmarshal([]byte(payload), &rec.Command); err != nil {
		return Record{}, false
	}
	return rec, true
}

// Forget removes the session's log.
func (s *Store) Forget(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.logFile(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Cleanup removes Dir with every log in it.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.Dir)
}
