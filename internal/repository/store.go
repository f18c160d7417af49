package repository

import (
	"context"
	"errors"
	"time"

	"parking-tracker/internal/domain/parking"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a lost race on the one-open-visit invariant. Callers may retry.
	ErrConflict = errors.New("concurrent modification conflict")
)

// Store persists vehicles, visits and billing records.
type Store interface {
	// WithVehicle looks up or creates the vehicle for plate and runs fn while holding exclusive
	// access to it. Everything fn writes commits together or not at all.
	WithVehicle(ctx context.Context, plate string, fn func(tx VehicleTx) error) error

	GetVehicle(ctx context.Context, plate string) (*parking.Vehicle, error)
	UpdateVehicle(ctx context.Context, plate string, update parking.VehicleUpdate) (*parking.Vehicle, error)

	CountVisits(ctx context.Context) (int64, error)
	CountOpenVisits(ctx context.Context) (int64, error)
	ClosedVisitDurations(ctx context.Context) ([]time.Duration, error)
	TopVehicles(ctx context.Context, limit int) ([]parking.VehicleVisitCount, error)
	ListVisits(ctx context.Context, filter VisitFilter) ([]parking.Visit, error)
	ListBilling(ctx context.Context, filter BillingFilter) ([]parking.BillingRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// VehicleTx is the view of the store inside WithVehicle.
type VehicleTx interface {
	Vehicle() parking.Vehicle
	// OpenVisit returns the most recent open visit of the vehicle, or nil.
	OpenVisit() (*parking.Visit, error)
	CreateVisit(visit *parking.Visit) error
	CloseVisit(visit *parking.Visit) error
	// BillingForVisit returns the billing record created with the visit, or nil.
	BillingForVisit(visitID int64) (*parking.BillingRecord, error)
	CreateBilling(record *parking.BillingRecord) error
	CloseBilling(record *parking.BillingRecord) error
}

type VisitFilter struct {
	Plate    string
	OpenOnly bool
	Limit    int
	Offset   int
}

type BillingFilter struct {
	Plate  string
	Limit  int
	Offset int
}
