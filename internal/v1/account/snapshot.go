package account

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/bus"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
)

const snapshotVersion = 1

// accountsSnapshot is the on-disk layout of accounts.json.
type accountsSnapshot struct {
	Version     int        `json:"version"`
	GeneratedAt time.Time  `json:"generated_at"`
	Accounts    []*Account `json:"accounts"`
}

// sessionsSnapshot is the on-disk layout of sessions.json.
type sessionsSnapshot struct {
	Version     int        `json:"version"`
	GeneratedAt time.Time  `json:"generated_at"`
	Sessions    []*Session `json:"sessions"`
}

// snapshotter debounces snapshot writes: mutations mark it dirty and a flush
// fires ~1s after the last mutation. Write failures are logged and retried on
// the next tick; they never propagate to the mutating caller.
type snapshotter struct {
	mu       sync.Mutex
	timer    *time.Timer
	debounce time.Duration
	dataDir  string
	mirror   *bus.Service
	collect  func() ([]*Account, []*Session)
}

func newSnapshotter(dataDir string, debounce time.Duration, mirror *bus.Service, collect func() ([]*Account, []*Session)) *snapshotter {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &snapshotter{
		debounce: debounce,
		dataDir:  dataDir,
		mirror:   mirror,
		collect:  collect,
	}
}

// markDirty schedules a flush after the debounce window, resetting any
// pending timer so bursts of mutations collapse into one write.
func (s *snapshotter) markDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			logging.Error(context.Background(), "Snapshot flush failed, retrying next tick", zap.Error(err))
			s.markDirty()
		}
	})
}

// Flush writes both snapshot files and pushes the same records to the mirror.
func (s *snapshotter) Flush() error {
	accounts, sessions := s.collect()
	now := time.Now().UTC()

	var errs []error

	accDoc := accountsSnapshot{Version: snapshotVersion, GeneratedAt: now, Accounts: accounts}
	if err := writeAtomic(filepath.Join(s.dataDir, "accounts.json"), accDoc); err != nil {
		errs = append(errs, err)
	}

	sessDoc := sessionsSnapshot{Version: snapshotVersion, GeneratedAt: now, Sessions: sessions}
	if err := writeAtomic(filepath.Join(s.dataDir, "sessions.json"), sessDoc); err != nil {
		errs = append(errs, err)
	}

	s.mirrorRecords(accounts, sessions, now)

	return errors.Join(errs...)
}

// mirrorRecords pushes everything to Redis. The mirror is best-effort; its
// own circuit breaker absorbs outages.
func (s *snapshotter) mirrorRecords(accounts []*Account, sessions []*Session, now time.Time) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, a := range accounts {
		raw, err := json.Marshal(a)
		if err != nil {
			continue
		}
		_ = s.mirror.MirrorAccount(ctx, a.AccountID, raw)
		_ = s.mirror.MirrorUsername(ctx, a.Username, a.AccountID)
	}
	for _, sess := range sessions {
		raw, err := json.Marshal(sess)
		if err != nil {
			continue
		}
		_ = s.mirror.MirrorSession(ctx, sess.Token, raw, sess.ExpiresAt.Sub(now))
	}
}

// Stop cancels any pending flush timer.
func (s *snapshotter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// writeAtomic writes JSON through a temp file + rename so a crash mid-write
// never leaves a torn snapshot.
func writeAtomic(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadAccountsSnapshot reads accounts.json; a missing file yields nil, nil.
func loadAccountsSnapshot(dataDir string) ([]*Account, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "accounts.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc accountsSnapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Accounts, nil
}

// loadSessionsSnapshot reads sessions.json; a missing file yields nil, nil.
func loadSessionsSnapshot(dataDir string) ([]*Session, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "sessions.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc sessionsSnapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Sessions, nil
}
