package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func posesPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "poses.json")
}

// TestPoseRoundTrip saves a pose, reloads the store from disk, and expects
// the same pose back. This is the restart scenario behind session resume.
func TestPoseRoundTrip(t *testing.T) {
	path := posesPath(t)
	want := Pose{Pos: [3]float64{1.5, 2, -3}, Rot: [3]float64{0, 90, 0}}

	poses := LoadPoses(path)
	poses.Set("ada@example.com", want)
	if err := poses.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := LoadPoses(path)
	got, ok := reloaded.Get("ada@example.com")
	if !ok {
		t.Fatal("pose missing after reload")
	}
	if got != want {
		t.Errorf("pose after reload = %+v, want %+v", got, want)
	}
}

// TestSaveLeavesNoTempFile verifies the write-temp-then-rename pattern
// cleans up after itself.
func TestSaveLeavesNoTempFile(t *testing.T) {
	path := posesPath(t)

	poses := LoadPoses(path)
	poses.Set("ada@example.com", Pose{Pos: [3]float64{1, 2, 3}})
	if err := poses.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact missing after Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind after Save: %v", err)
	}
}

func TestLoadPosesMissing(t *testing.T) {
	poses := LoadPoses(posesPath(t))
	if poses.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for missing artifact", poses.Len())
	}
	if _, ok := poses.Get("nobody@example.com"); ok {
		t.Error("Get returned a pose from an empty store")
	}
}

func TestLoadPosesMalformed(t *testing.T) {
	path := posesPath(t)
	if err := os.WriteFile(path, []byte("][garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	poses := LoadPoses(path)
	if poses.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for malformed artifact", poses.Len())
	}
}

// TestAutosaveFlushes runs the autosave loop on a short interval and
// expects the artifact to appear without any explicit Save call, plus a
// final flush when the loop is cancelled.
func TestAutosaveFlushes(t *testing.T) {
	path := posesPath(t)
	poses := LoadPoses(path)
	poses.Set("ada@example.com", Pose{Pos: [3]float64{4, 5, 6}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		poses.Autosave(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("autosave never wrote the artifact")
		}
		time.Sleep(5 * time.Millisecond)
	}

	poses.Set("late@example.com", Pose{Pos: [3]float64{7, 8, 9}})
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("autosave loop did not stop")
	}

	reloaded := LoadPoses(path)
	if _, ok := reloaded.Get("late@example.com"); !ok {
		t.Error("final flush on cancel did not capture the last update")
	}
}
