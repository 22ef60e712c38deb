package models

import (
	"sort"
	"time"
)

// RoomIndex tracks which day buckets exist for a room and how many messages
// have been archived in it.
type RoomIndex struct {
	RoomID        int64     `json:"room_id"`
	Days          []string  `json:"days"` // most recent first
	TotalMessages int64     `json:"total_messages"`
	LastUpdated   time.Time `json:"last_updated"`
}

// NewRoomIndex returns an empty index for roomID.
func NewRoomIndex(roomID int64) *RoomIndex {
	return &RoomIndex{RoomID: roomID, Days: []string{}}
}

// Merge unions days into the index, adds added to the running total and
// stamps the update time. Days stay sorted descending; zero-padded day paths
// order correctly as plain strings.
func (idx *RoomIndex) Merge(days []string, added int, now time.Time) {
	set := make(map[string]struct{}, len(idx.Days)+len(days))
	for _, d := range idx.Days {
		set[d] = struct{}{}
	}
	for _, d := range days {
		set[d] = struct{}{}
	}

	merged := make([]string, 0, len(set))
	for d := range set {
		merged = append(merged, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(merged)))

	idx.Days = merged
	if added > 0 {
		idx.TotalMessages += int64(added)
	}
	idx.LastUpdated = now.UTC()
}
