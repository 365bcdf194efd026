package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TimeOfDay is a time within a day expressed as minutes since midnight.
type TimeOfDay int

const MinutesPerDay = 24 * 60

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < MinutesPerDay
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SlotKey identifies one availability slot within a provider's week.
type SlotKey struct {
	Weekday time.Weekday `json:"weekday"`
	Start   TimeOfDay    `json:"start"`
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s %s", weekdayName(k.Weekday), k.Start)
}

// TimeRange is a half-open [Start, End) range within one day.
type TimeRange struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// WeekSchedule is the booking platform's native representation: per weekday,
// an ordered list of non-overlapping, maximal time ranges. Weekdays with no
// availability are absent from the map.
type WeekSchedule map[time.Weekday][]TimeRange

var weekdayNames = [7]string{
	time.Sunday:    "sunday",
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
}

func weekdayName(wd time.Weekday) string {
	if wd < 0 || wd > 6 {
		return fmt.Sprintf("weekday(%d)", int(wd))
	}
	return weekdayNames[wd]
}

func (ws WeekSchedule) MarshalJSON() ([]byte, error) {
	out := make(map[string][]TimeRange, len(ws))
	for wd, ranges := range ws {
		if wd < 0 || wd > 6 {
			return nil, fmt.Errorf("invalid weekday %d", int(wd))
		}
		out[weekdayNames[wd]] = ranges
	}
	return json.Marshal(out)
}

func (ws *WeekSchedule) UnmarshalJSON(data []byte) error {
	var raw map[string][]TimeRange
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(WeekSchedule, len(raw))
	for name, ranges := range raw {
		wd := -1
		for i, n := range weekdayNames {
			if n == name {
				wd = i
				break
			}
		}
		if wd < 0 {
			return fmt.Errorf("unknown weekday %q", name)
		}
		out[time.Weekday(wd)] = ranges
	}
	*ws = out
	return nil
}

// ScheduleSlot is a pending availability delta for one slot. Rows exist only
// between an approval decision and the successful push that reflects it in the
// booking platform; the platform is the sole source of truth once synced.
type ScheduleSlot struct {
	bun.BaseModel `bun:"table:schedule_slots"`

	ID          uuid.UUID    `bun:"id,pk,type:uuid"`
	ProviderID  string       `bun:"provider_id,notnull"`
	Weekday     time.Weekday `bun:"weekday,notnull"`
	StartMinute TimeOfDay    `bun:"start_minute,notnull"`
	Active      bool         `bun:"active,notnull"`
	CreatedAt   time.Time    `bun:"created_at,notnull"`
	UpdatedAt   time.Time    `bun:"updated_at,notnull"`
}

func (s *ScheduleSlot) Key() SlotKey {
	return SlotKey{Weekday: s.Weekday, Start: s.StartMinute}
}

func (s *ScheduleSlot) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

// SlotDelta is the set of slot activations and deactivations not yet
// reflected in the booking platform.
type SlotDelta struct {
	Activations   []SlotKey
	Deactivations []SlotKey
}

func (d SlotDelta) Empty() bool {
	return len(d.Activations) == 0 && len(d.Deactivations) == 0
}

// SortSlotKeys orders keys by weekday, then start time.
func SortSlotKeys(keys []SlotKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Weekday != keys[j].Weekday {
			return keys[i].Weekday < keys[j].Weekday
		}
		return keys[i].Start < keys[j].Start
	})
}
