// Package session persists liveness state for crash detection. A session
// file is written atomically on start, every heartbeat, and on clean stop;
// a file still reading "running" at the next start means the previous
// process died without cleanup.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"leverage-worker/pkg/types"
)

// Status is the persisted lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusCrashed Status = "crashed"
)

// maxCrashLogEntries caps the crash log file.
const maxCrashLogEntries = 100

// State is the session file contents.
type State struct {
	SessionID       string    `json:"session_id"`
	PID             int       `json:"pid"`
	Mode            string    `json:"mode"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ActiveOrderIDs  []string  `json:"active_order_ids"`
	PositionSymbols []string  `json:"position_symbols"`
}

// CrashRecord is one crash-log entry.
type CrashRecord struct {
	SessionID       string    `json:"session_id"`
	Mode            string    `json:"mode"`
	DetectedAt      time.Time `json:"detected_at"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ActiveOrderIDs  []string  `json:"active_order_ids"`
	PositionSymbols []string  `json:"position_symbols"`
}

// SnapshotFunc supplies the live order ids and position symbols captured on
// each heartbeat.
type SnapshotFunc func() (orderIDs, positionSymbols []string)

// Tracker owns the session file for one mode.
type Tracker struct {
	dir      string
	mode     types.Mode
	logger   *slog.Logger
	snapshot SnapshotFunc

	mu    sync.Mutex
	state State
}

func NewTracker(dir string, mode types.Mode, logger *slog.Logger) *Tracker {
	return &Tracker{
		dir:    dir,
		mode:   mode,
		logger: logger.With("component", "session"),
	}
}

// SetSnapshotFunc wires the heartbeat snapshot provider. Set once at wiring
// time, before Start.
func (t *Tracker) SetSnapshotFunc(fn SnapshotFunc) { t.snapshot = fn }

func (t *Tracker) statePath() string {
	return filepath.Join(t.dir, fmt.Sprintf("session_%s.json", t.mode))
}

func (t *Tracker) crashLogPath() string {
	return filepath.Join(t.dir, fmt.Sprintf("crash_log_%s.json", t.mode))
}

// CheckPreviousCrash inspects the session file left by the previous run.
// If it still reads running, the prior process died: a crash-log entry is
// appended and the file is rewritten as crashed so subsequent starts do not
// detect the same crash again. Returns the crash record, or nil for a
// clean previous stop.
func (t *Tracker) CheckPreviousCrash() (*CrashRecord, error) {
	data, err := os.ReadFile(t.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var prev State
	if err := json.Unmarshal(data, &prev); err != nil {
		t.logger.Warn("corrupt session file, ignoring", "error", err)
		return nil, nil
	}
	if prev.Status != StatusRunning {
		return nil, nil
	}

	rec := CrashRecord{
		SessionID:       prev.SessionID,
		Mode:            prev.Mode,
		DetectedAt:      time.Now(),
		StartedAt:       prev.StartedAt,
		LastHeartbeat:   prev.LastHeartbeat,
		ActiveOrderIDs:  prev.ActiveOrderIDs,
		PositionSymbols: prev.PositionSymbols,
	}
	if err := t.appendCrashLog(rec); err != nil {
		t.logger.Error("crash log append failed", "error", err)
	}

	prev.Status = StatusCrashed
	if err := t.writeFile(t.statePath(), prev); err != nil {
		return &rec, fmt.Errorf("mark session crashed: %w", err)
	}
	t.logger.Warn("previous session crashed",
		"session_id", prev.SessionID, "last_heartbeat", prev.LastHeartbeat,
		"open_orders", len(prev.ActiveOrderIDs))
	return &rec, nil
}

// Start writes the running state for a new session.
func (t *Tracker) Start(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.state = State{
		SessionID:     sessionID,
		PID:           os.Getpid(),
		Mode:          string(t.mode),
		Status:        StatusRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	return t.writeLocked()
}

// Heartbeat refreshes the session file with the current timestamp and
// snapshot. Called every 30s by RunHeartbeat.
func (t *Tracker) Heartbeat() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastHeartbeat = time.Now()
	if t.snapshot != nil {
		t.state.ActiveOrderIDs, t.state.PositionSymbols = t.snapshot()
	}
	return t.writeLocked()
}

// RunHeartbeat writes heartbeats until ctx is cancelled.
func (t *Tracker) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Heartbeat(); err != nil {
				t.logger.Error("heartbeat write failed", "error", err)
			}
		}
	}
}

// Stop writes the stopped state, defeating crash detection on next start.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = StatusStopped
	t.state.LastHeartbeat = time.Now()
	return t.writeLocked()
}

// CrashLog returns the recorded crashes, oldest first.
func (t *Tracker) CrashLog() ([]CrashRecord, error) {
	data, err := os.ReadFile(t.crashLogPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []CrashRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse crash log: %w", err)
	}
	return recs, nil
}

func (t *Tracker) appendCrashLog(rec CrashRecord) error {
	recs, err := t.CrashLog()
	if err != nil {
		t.logger.Warn("crash log unreadable, starting fresh", "error", err)
		recs = nil
	}
	recs = append(recs, rec)
	if len(recs) > maxCrashLogEntries {
		recs = recs[len(recs)-maxCrashLogEntries:]
	}
	return t.writeFile(t.crashLogPath(), recs)
}

func (t *Tracker) writeLocked() error {
	return t.writeFile(t.statePath(), t.state)
}

// writeFile writes JSON atomically: temp file in the same directory, then
// rename.
func (t *Tracker) writeFile(path string, v any) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
