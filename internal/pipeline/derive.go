package pipeline

import (
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

const roundDigits = 3

// 温度、体积、质量、压力、热量、流量
var quantities = "TVMPQG"

// Derive 补充正向与回水之差 Xd = X1 - X2
func Derive(rec parser.Record) {
	for _, q := range quantities {
		fwd, ret, delta := string(q)+"1", string(q)+"2", string(q)+"d"
		if _, ok := rec[delta]; ok {
			continue
		}
		v1, ok1 := rec.Float(fwd)
		v2, ok2 := rec.Float(ret)
		if ok1 && ok2 {
			rec[delta] = parser.Round(v1-v2, roundDigits)
		}
	}
}

// Remaining 补充周期类指标的停机时间
func Remaining(kind MetricKind, eventTime time.Time, reportDay int, rec parser.Record) {
	if !kind.IsPeriod() {
		return
	}
	if _, ok := rec[protocol.FieldRemaining]; ok {
		return
	}
	worked, ok := rec.Float(protocol.FieldWorkTime)
	if !ok {
		return
	}
	var window float64
	switch {
	case kind.IsHour():
		window = 1.0
	case kind.IsDay():
		window = 24.0
	case kind.IsMonth():
		from := ReportDate(shiftMonth(eventTime, -1), reportDay)
		days := int(eventTime.Sub(from).Hours() / 24)
		window = float64(days * 24)
	default:
		return
	}
	rec[protocol.FieldRemaining] = parser.Round(window-worked, roundDigits)
}

// ReportDate 返回 t 当天或之后最近的结算日零点，结算日超过当月天数时取月末
func ReportDate(t time.Time, reportDay int) time.Time {
	if reportDay < 1 || reportDay > 31 {
		reportDay = 31
	}
	day := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	candidate := clampDay(day, reportDay)
	if candidate.Before(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())) {
		candidate = clampDay(day.AddDate(0, 1, 0), reportDay)
	}
	return candidate
}

func clampDay(monthStart time.Time, day int) time.Time {
	last := monthStart.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return monthStart.AddDate(0, 0, day-1)
}

// shiftMonth 按日历月平移，日期超过目标月天数时取月末
func shiftMonth(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, months, 0)
	shifted := clampDay(first, t.Day())
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// NextDue 判断是否已到下一条记录的时间，当前值总是到期
func NextDue(kind MetricKind, last *time.Time, reportDay int, now time.Time) bool {
	if last == nil || kind.IsCurrent() {
		return true
	}
	var next time.Time
	switch {
	case kind.IsHour():
		next = last.Add(time.Hour)
	case kind.IsDay():
		next = last.AddDate(0, 0, 1)
	case kind.IsMonth():
		next = ReportDate(shiftMonth(*last, 1), reportDay)
	default:
		return true
	}
	return !next.After(now)
}
