// Package jobs tracks conversions submitted by key and serves queries
// against their finished stores.
//
// Each key owns a directory under the cache directory holding the store and
// a metadata.json status record. A record moves pending -> running ->
// complete or failed and never moves back; a new submission for the key
// starts a fresh record with a new run id.
package jobs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/json"
)

// Status is the lifecycle state of a conversion.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusComplete || s == StatusFailed
}

// LogEntry is one line of a record's log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Failure is the typed error that ended a run.
type Failure struct {
	Type    errors.ErrorType `json:"type"`
	Message string           `json:"message"`
}

// Record is the persisted status of the latest run for a key.
type Record struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Source    string     `json:"source"`
	Status    Status     `json:"status"`
	Logs      []LogEntry `json:"logs"`
	Error     *Failure   `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (r *Record) log(now time.Time, msg string) {
	r.Logs = append(r.Logs, LogEntry{Time: now, Message: msg})
	r.UpdatedAt = now
}

// clone copies r so callers never share the log slice with the manager.
func (r *Record) clone() Record {
	c := *r
	c.Logs = append([]LogEntry(nil), r.Logs...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return c
}

const (
	metadataFile = "metadata.json"
	storeFile    = "store.sqlite"
)

// readRecord loads the record kept in dir.
func readRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "corrupt job record").WithDetail("dir", dir)
	}
	return &r, nil
}

// writeRecord replaces the record in dir through a temporary file so a
// reader never sees a half written record.
func writeRecord(dir string, r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode job record")
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write job record")
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write job record")
	}
	return nil
}
