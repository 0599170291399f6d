package circulation

// =============================================================================
// OVERDUE CALCULATOR - Pure functions over a copy and a date
// =============================================================================

// IsOverdue reports whether an on-loan copy is past its due date as of today.
// A copy due today is not overdue yet.
func IsOverdue(c Copy, today Date) bool {
	return c.Status == StatusOnLoan && c.HasDueBack() && today.After(c.DueBack)
}

// DaysOverdue returns how many days past due an overdue copy is, or 0.
func DaysOverdue(c Copy, today Date) int {
	if !IsOverdue(c, today) {
		return 0
	}
	return DaysBetween(c.DueBack, today)
}

// FilterOverdue keeps the overdue copies, preserving order.
func FilterOverdue(copies []Copy, today Date) []Copy {
	var out []Copy
	for _, c := range copies {
		if IsOverdue(c, today) {
			out = append(out, c)
		}
	}
	return out
}
