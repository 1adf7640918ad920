// Package server maintains the presence table: the broadcast-visible state
// (display name and pose) of every live session.
package server

import (
	"sort"

	"github.com/atrium3d/atrium/internal/store"
)

// presenceRecord is the transient game-relevant state of one live session.
// A record exists exactly as long as its session does.
type presenceRecord struct {
	id   uint64
	name string
	pose store.Pose
}

// presenceTable maps session ids to presence records. All methods are
// called from the hub goroutine only.
type presenceTable struct {
	records map[uint64]*presenceRecord
}

func newPresenceTable() *presenceTable {
	return &presenceTable{records: make(map[uint64]*presenceRecord)}
}

// spawn inserts a record for a freshly authenticated session and returns a
// snapshot of every other live record, ordered by session id, for the new
// client's welcome payload.
func (t *presenceTable) spawn(id uint64, name string, pose store.Pose) []presenceRecord {
	t.records[id] = &presenceRecord{id: id, name: name, pose: pose}

	others := make([]presenceRecord, 0, len(t.records)-1)
	for _, rec := range t.records {
		if rec.id == id {
			continue
		}
		others = append(others, *rec)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].id < others[j].id })
	return others
}

// updatePose mutates a record in place. A stale id (state message racing a
// disconnect) is silently ignored; the lost update is acceptable.
func (t *presenceTable) updatePose(id uint64, pose store.Pose) bool {
	rec, ok := t.records[id]
	if !ok {
		return false
	}
	rec.pose = pose
	return true
}

// rename changes a record's display name. Uniqueness validation is the
// dispatcher's job, before this is called.
func (t *presenceTable) rename(id uint64, name string) bool {
	rec, ok := t.records[id]
	if !ok {
		return false
	}
	rec.name = name
	return true
}

// remove deletes and returns the record so the caller can broadcast the
// despawn.
func (t *presenceTable) remove(id uint64) (presenceRecord, bool) {
	rec, ok := t.records[id]
	if !ok {
		return presenceRecord{}, false
	}
	delete(t.records, id)
	return *rec, true
}

// size returns the number of live records.
func (t *presenceTable) size() int {
	return len(t.records)
}
