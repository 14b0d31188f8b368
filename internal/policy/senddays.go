package policy

import (
	"fmt"
	"strings"
	"time"
)

// SendDays restricts sending to a stricter weekday set during the first
// WarmupPhaseDays campaign days and a looser one afterwards.
type SendDays struct {
	WarmupPhaseDays int
	Warmup          []time.Weekday
	Cruise          []time.Weekday
}

func (d SendDays) Allowed(campaignDay int, wd time.Weekday) bool {
	set := d.Cruise
	if campaignDay <= d.WarmupPhaseDays {
		set = d.Warmup
	}
	for _, allowed := range set {
		if allowed == wd {
			return true
		}
	}
	return false
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays accepts names such as "mon", "Tuesday" or "WED".
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, wd)
	}
	return days, nil
}
