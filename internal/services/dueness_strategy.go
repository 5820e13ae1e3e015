// This file implements the Strategy Pattern for deciding when the period
// generator should open a new month. Each schedule has its own checker.

package services

import (
	"fmt"
	"time"

	"feeledger/internal/core"
)

// Schedule names how often fee periods are generated.
type Schedule string

const (
	ScheduleDaily   Schedule = "daily"
	ScheduleMonthly Schedule = "monthly"
)

// DuenessChecker is the strategy interface for checking if a generation run is due.
type DuenessChecker interface {
	// IsDue returns true if a run should happen given the last successful run
	// and the current time. anchor carries the day of month runs align to.
	IsDue(lastRun, now time.Time, anchor core.Date) bool
}

// DailyChecker runs once per calendar day. Generation is idempotent, so a
// daily run only costs a directory scan and picks up students who moved in
// mid-month.
type DailyChecker struct{}

// IsDue returns true if last run was before today.
func (DailyChecker) IsDue(lastRun, now time.Time, _ core.Date) bool {
	if lastRun.IsZero() {
		return true
	}
	return core.DateOf(lastRun) != core.DateOf(now)
}

// MonthlyChecker runs once per month, on or after the anchor day.
type MonthlyChecker struct{}

// IsDue returns true if we're in a new month and have reached the target day.
func (MonthlyChecker) IsDue(lastRun, now time.Time, anchor core.Date) bool {
	if lastRun.IsZero() {
		return true
	}

	// Already ran this month?
	if core.MonthOf(lastRun) == core.MonthOf(now) {
		return false
	}

	targetDay := 1
	if !anchor.IsZero() {
		targetDay = anchor.Day()
	}
	// Day 31 in a 30 day month clamps to the 30th
	return now.Day() >= core.MonthOf(now).DayInMonth(targetDay).Day()
}

// duenessStrategies maps schedules to their checkers.
var duenessStrategies = map[Schedule]DuenessChecker{
	ScheduleDaily:   DailyChecker{},
	ScheduleMonthly: MonthlyChecker{},
}

// GetDuenessChecker returns the checker for a schedule.
func GetDuenessChecker(schedule Schedule) (DuenessChecker, error) {
	checker, ok := duenessStrategies[schedule]
	if !ok {
		return nil, fmt.Errorf("unknown period schedule: %s", schedule)
	}
	return checker, nil
}

// RegisterDuenessChecker allows registering custom checkers for new schedules.
func RegisterDuenessChecker(schedule Schedule, checker DuenessChecker) {
	duenessStrategies[schedule] = checker
}
