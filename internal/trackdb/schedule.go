package trackdb

import (
	"sort"

	"github.com/google/uuid"
)

// ScheduleAdd persists a scheduled-event record and returns its ID.
func (db *DB) ScheduleAdd(fields map[string]string) (string, error) {
	id := uuid.NewString()
	record := make(map[string]string, len(fields))
	for k, v := range fields {
		record[k] = v
	}
	db.st.Schedule[id] = record
	if err := db.Save(); err != nil {
		delete(db.st.Schedule, id)
		return "", err
	}
	return id, nil
}

// ScheduleGet returns a scheduled-event record.
func (db *DB) ScheduleGet(id string) (map[string]string, bool) {
	record, ok := db.st.Schedule[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out, true
}

// ScheduleDel removes a scheduled-event record.
func (db *DB) ScheduleDel(id string) error {
	if _, ok := db.st.Schedule[id]; !ok {
		return ErrNoSuchEvent
	}
	delete(db.st.Schedule, id)
	return db.Save()
}

// ScheduleList returns every scheduled-event ID, sorted.
func (db *DB) ScheduleList() []string {
	out := make([]string, 0, len(db.st.Schedule))
	for id := range db.st.Schedule {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
