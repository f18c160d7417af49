package parking

import "time"

const DefaultRatePerHour int64 = 50

// BillingRecord mirrors a visit for charging purposes. Plate is denormalized on purpose so
// the log stays readable without the vehicle table.
type BillingRecord struct {
	ID        int64      `json:"id"`
	VisitID   int64      `json:"visit_id"`
	Plate     string     `json:"plate"`
	EntryTime time.Time  `json:"entry_time"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
	Charge    *int64     `json:"charge,omitempty"`
}

func NewBillingRecord(visit Visit) *BillingRecord {
	return &BillingRecord{
		VisitID:   visit.ID,
		Plate:     visit.Plate,
		EntryTime: visit.EntryTime,
	}
}

func (b *BillingRecord) Open() bool {
	return b.ExitTime == nil
}

func (b *BillingRecord) Close(exit time.Time, ratePerHour int64) error {
	if !b.Open() {
		return ErrBillingClosed
	}
	if exit.Before(b.EntryTime) {
		exit = b.EntryTime
	}
	charge := Charge(b.EntryTime, exit, ratePerHour)
	b.ExitTime = &exit
	b.Charge = &charge
	return nil
}

// Charge truncates fractional hours times the hourly rate to whole currency units.
func Charge(entry, exit time.Time, ratePerHour int64) int64 {
	d := exit.Sub(entry)
	if d <= 0 {
		return 0
	}
	return int64(d.Hours() * float64(ratePerHour))
}
