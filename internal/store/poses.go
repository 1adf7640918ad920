package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Pose is a position plus orientation in the shared space.
type Pose struct {
	Pos [3]float64 `json:"pos"`
	Rot [3]float64 `json:"rot"`
}

type posesFile struct {
	Poses map[string]Pose `json:"poses"`
}

// Poses holds the last-known pose per account email, independent of whether
// the account is online. Updates land in memory on every state message; the
// artifact on disk is refreshed by the autosave loop and by the immediate
// flushes on explicit save, disconnect, and shutdown.
type Poses struct {
	mu      sync.Mutex
	path    string
	byEmail map[string]Pose
}

// LoadPoses reads the pose artifact at path. Missing or malformed files
// yield an empty map (the latter with a logged warning); loading never
// fails.
func LoadPoses(path string) *Poses {
	p := &Poses{path: path, byEmail: make(map[string]Pose)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p
	}
	if err != nil {
		slog.Warn("failed to read pose store, starting empty", "path", path, "err", err)
		return p
	}

	var file posesFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("malformed pose store, starting empty", "path", path, "err", err)
		return p
	}

	for email, pose := range file.Poses {
		key := NormalizeEmail(email)
		if key == "" {
			continue
		}
		p.byEmail[key] = pose
	}
	slog.Info("loaded pose store", "path", path, "poses", len(p.byEmail))
	return p
}

// Get returns the saved pose for email. The second return is false when the
// account has never reported a pose; callers spawn at the origin then.
func (p *Poses) Get(email string) (Pose, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pose, ok := p.byEmail[NormalizeEmail(email)]
	return pose, ok
}

// Set records the latest pose for email in memory only.
func (p *Poses) Set(email string, pose Pose) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byEmail[NormalizeEmail(email)] = pose
}

// Len returns the number of stored poses.
func (p *Poses) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byEmail)
}

// Save writes the pose artifact via a temp file in the same directory
// followed by an atomic rename, so the artifact is never observed in a
// partially written state. Pose data is written continuously, which is why
// this store carries the crash-consistency guarantee and the account store
// does not.
func (p *Poses) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	file := posesFile{Poses: make(map[string]Pose, len(p.byEmail))}
	for email, pose := range p.byEmail {
		file.Poses[email] = pose
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pose store: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pose store: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace pose store: %w", err)
	}
	return nil
}

// Autosave flushes the pose map every interval until ctx is cancelled,
// then performs one final flush. Flushes run whether or not anything
// changed; a failed write is logged and retried on the next tick.
func (p *Poses) Autosave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Save(); err != nil {
				slog.Warn("final pose flush failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := p.Save(); err != nil {
				slog.Warn("autosave failed, will retry", "err", err)
			}
		}
	}
}
