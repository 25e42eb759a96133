package markethours

import (
	"fmt"
	"time"
)

// holidaySet holds exchange holidays keyed by local date.
type holidaySet map[string]bool

func parseHolidays(dates []string) (holidaySet, error) {
	hs := make(holidaySet, len(dates))
	for _, d := range dates {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		hs[dateKey(t.Year(), t.Month(), t.Day())] = true
	}
	return hs, nil
}

// contains expects t already in the exchange timezone.
func (hs holidaySet) contains(t time.Time) bool {
	return hs[dateKey(t.Year(), t.Month(), t.Day())]
}

// IsHoliday returns true if the date (in the exchange timezone) is a holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays.contains(t.In(c.loc))
}

func dateKey(year int, month time.Month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
