package booking

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LockKeys derives the advisory lock keys for [start, end): one per local
// calendar day the window touches. The provider serves one client at a time,
// so any two overlapping windows share at least one day and therefore a key,
// whatever service they belong to. Keys are sorted so that every transaction
// acquires them in the same order.
func LockKeys(start, end time.Time, loc *time.Location) []uint64 {
	if !end.After(start) {
		end = start.Add(time.Nanosecond)
	}

	first := start.In(loc)
	last := end.Add(-time.Nanosecond).In(loc)

	seen := make(map[uint64]struct{}, 2)
	var keys []uint64
	for d := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc); !d.After(last); d = time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc) {
		k := dayKey(d)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func dayKey(day time.Time) uint64 {
	return xxhash.Sum64String("slot-day:" + day.Format("2006-01-02"))
}
