package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE SCHEDULE
// =============================================================================

// FeeSchedule sets the amounts charged on return.
type FeeSchedule struct {
	DailyLateFee decimal.Decimal
	DamageFee    decimal.Decimal
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		DailyLateFee: decimal.NewFromInt(50),
		DamageFee:    decimal.NewFromInt(200),
	}
}

// Validate rejects schedules with a zero or negative amount.
func (s FeeSchedule) Validate() error {
	if !s.DailyLateFee.IsPositive() || !s.DamageFee.IsPositive() {
		return validationError("fee schedule amounts must be positive")
	}
	return nil
}

// =============================================================================
// LATE FEE - Pure computation
// =============================================================================

// DaysLate counts the calendar days between due and returned, both read in
// returned's location. Zero when returned is on or before the due day.
func DaysLate(due, returned time.Time) int {
	days := DaysBetween(due, returned, returned.Location())
	if days < 0 {
		return 0
	}
	return days
}

// LateFee is DaysLate times dailyRate. Times of day do not matter: a book
// due on the 10th and returned at 23:59 on the 10th owes nothing.
func LateFee(due, returned time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	days := DaysLate(due, returned)
	if days == 0 {
		return decimal.Zero
	}
	return dailyRate.Mul(decimal.NewFromInt(int64(days)))
}
