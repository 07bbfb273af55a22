package services

import "time"

// ─── Loan & Fine Constants ────────────────────────────────────────────────────

const (
	// LoanPeriodDays is the number of days between approval of a new borrow and its due date.
	LoanPeriodDays = 7

	// RenewDays is how far an approved renew request pushes the due date.
	RenewDays = 7

	// FinePerDay is the fine amount (in currency units) charged per whole day overdue.
	FinePerDay = 100
)

// dateOf truncates t to its calendar day in UTC. Every date the workflow
// stores or compares goes through here.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b (negative if b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(dateOf(b).Sub(dateOf(a)).Hours() / 24)
}

// ComputeFine returns the late fee for an item due on dueDate and returned on
// returnDate: FinePerDay for every whole day returnDate is after dueDate,
// zero when it is on or before.
func ComputeFine(dueDate, returnDate time.Time) int {
	daysLate := DaysBetween(dueDate, returnDate)
	if daysLate <= 0 {
		return 0
	}
	return daysLate * FinePerDay
}
