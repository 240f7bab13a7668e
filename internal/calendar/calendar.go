package calendar

import (
	"time"

	"github.com/jinzhu/now"
)

const (
	DayLayout   = "2006-01-02"
	GuideLayout = "20060102150405 -0700"
)

// Days returns n consecutive calendar days starting with the day containing t,
// formatted as ISO dates in t's location.
func Days(t time.Time, n int) []string {
	if n <= 0 {
		return nil
	}
	start := now.With(t).BeginningOfDay()
	days := make([]string, 0, n)
	for i := 0; i < n; i++ {
		days = append(days, start.AddDate(0, 0, i).Format(DayLayout))
	}
	return days
}

// GuideTime formats t the way XMLTV start/stop attributes expect.
func GuideTime(t time.Time) string {
	return t.Format(GuideLayout)
}

// GuideDate formats t as an XMLTV date (YYYYMMDD).
func GuideDate(t time.Time) string {
	return t.Format("20060102")
}
