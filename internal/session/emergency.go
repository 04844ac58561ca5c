package session

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EmergencyStopFile is the sentinel name under the data directory. Creating
// it from a shell is the out-of-band kill switch:
//
//	echo "manual stop" > ~/.leverage_worker/EMERGENCY_STOP
const EmergencyStopFile = "EMERGENCY_STOP"

// StopFunc receives the sentinel file contents as the stop reason.
type StopFunc func(reason string)

// EmergencyWatcher polls for the sentinel file and fires the callback once.
type EmergencyWatcher struct {
	path     string
	interval time.Duration
	onStop   StopFunc
	logger   *slog.Logger
}

func NewEmergencyWatcher(dir string, onStop StopFunc, logger *slog.Logger) *EmergencyWatcher {
	return &EmergencyWatcher{
		path:     filepath.Join(dir, EmergencyStopFile),
		interval: 5 * time.Second,
		onStop:   onStop,
		logger:   logger.With("component", "emergency"),
	}
}

// Run polls until the sentinel appears or ctx is cancelled. When the file
// is found it is deleted, the callback fires with its contents, and Run
// returns.
func (w *EmergencyWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.check() {
				return
			}
		}
	}
}

func (w *EmergencyWatcher) check() bool {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		w.logger.Error("sentinel read failed", "error", err)
		return false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "emergency stop requested"
	}
	if err := os.Remove(w.path); err != nil {
		w.logger.Error("sentinel remove failed", "error", err)
	}
	w.logger.Warn("emergency stop triggered", "reason", reason)
	if w.onStop != nil {
		w.onStop(reason)
	}
	return true
}
