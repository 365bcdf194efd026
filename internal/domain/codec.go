package domain

import (
	"fmt"
	"time"
)

// MalformedScheduleError reports a block range that cannot be expanded into
// discrete slots: an inverted or empty range, a range outside the day, or a
// span that is not an exact multiple of the slot granularity.
type MalformedScheduleError struct {
	Weekday time.Weekday
	Range   TimeRange
	Reason  string
}

func (e *MalformedScheduleError) Error() string {
	return fmt.Sprintf("malformed schedule range %s-%s on %s: %s",
		e.Range.Start, e.Range.End, weekdayName(e.Weekday), e.Reason)
}

// EncodeWeekSchedule converts a set of discrete slots into canonical block
// form: per weekday, sorted maximal ranges where adjacent slots (each slot's
// start equal to the previous slot's end) are coalesced into one range.
// Duplicate keys are ignored. Weekdays without slots are absent from the
// result. stepMinutes must be positive.
func EncodeWeekSchedule(keys []SlotKey, stepMinutes int) WeekSchedule {
	step := TimeOfDay(stepMinutes)

	byWeekday := make(map[time.Weekday][]TimeOfDay)
	seen := make(map[SlotKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		byWeekday[k.Weekday] = append(byWeekday[k.Weekday], k.Start)
	}

	out := make(WeekSchedule, len(byWeekday))
	for wd, starts := range byWeekday {
		sortTimes(starts)

		ranges := make([]TimeRange, 0, 1)
		cur := TimeRange{Start: starts[0], End: starts[0] + step}
		for _, start := range starts[1:] {
			if start == cur.End {
				cur.End = start + step
				continue
			}
			ranges = append(ranges, cur)
			cur = TimeRange{Start: start, End: start + step}
		}
		ranges = append(ranges, cur)
		out[wd] = ranges
	}
	return out
}

// DecodeWeekSchedule expands block form into discrete slots, one per step
// within each range. The input does not have to be canonical: unsorted or
// mergeable ranges are accepted, and overlapping ranges simply expand to the
// same slots. Malformed ranges are rejected rather than truncated.
func DecodeWeekSchedule(ws WeekSchedule, stepMinutes int) ([]SlotKey, error) {
	step := TimeOfDay(stepMinutes)
	if step <= 0 {
		return nil, fmt.Errorf("invalid slot granularity %d", stepMinutes)
	}

	keys := make([]SlotKey, 0, ws.SlotCount(stepMinutes))
	seen := make(map[SlotKey]struct{})
	for wd, ranges := range ws {
		for _, r := range ranges {
			if r.End <= r.Start {
				return nil, &MalformedScheduleError{Weekday: wd, Range: r, Reason: "end is not after start"}
			}
			if !r.Start.Valid() || r.End < 0 || r.End > MinutesPerDay {
				return nil, &MalformedScheduleError{Weekday: wd, Range: r, Reason: "range outside day"}
			}
			if (r.End-r.Start)%step != 0 {
				return nil, &MalformedScheduleError{Weekday: wd, Range: r,
					Reason: fmt.Sprintf("span is not a multiple of %d minutes", stepMinutes)}
			}
			for start := r.Start; start < r.End; start += step {
				k := SlotKey{Weekday: wd, Start: start}
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	SortSlotKeys(keys)
	return keys, nil
}

func (ws WeekSchedule) IsEmpty() bool {
	for _, ranges := range ws {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

// SlotCount reports how many discrete slots the schedule spans. Malformed
// ranges contribute their floor; use DecodeWeekSchedule to validate.
func (ws WeekSchedule) SlotCount(stepMinutes int) int {
	if stepMinutes <= 0 {
		return 0
	}
	step := TimeOfDay(stepMinutes)
	n := 0
	for _, ranges := range ws {
		for _, r := range ranges {
			if r.End > r.Start {
				n += int((r.End - r.Start) / step)
			}
		}
	}
	return n
}

func sortTimes(ts []TimeOfDay) {
	for i := 1; i < len(ts); i++ {
		key := ts[i]
		j := i - 1
		for j >= 0 && ts[j] > key {
			ts[j+1] = ts[j]
			j--
		}
		ts[j+1] = key
	}
}
