package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-tracker/internal/domain/parking"
	"parking-tracker/internal/repository"
	"parking-tracker/internal/utils"
)

type LedgerConfig struct {
	RatePerHour  int64
	CameraPolicy utils.PlatePolicy
	ManualPolicy utils.PlatePolicy
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RatePerHour:  parking.DefaultRatePerHour,
		CameraPolicy: utils.CameraPlatePolicy,
		ManualPolicy: utils.ManualPlatePolicy,
	}
}

// LedgerService reconciles sightings into visits. Every sighting toggles its vehicle: with no
// open visit it opens one, with an open visit it closes it. A re-scan of a parked car is
// therefore indistinguishable from its exit.
type LedgerService struct {
	store repository.Store
	cfg   LedgerConfig
	now   func() time.Time
	log   zerolog.Logger
}

func NewLedgerService(store repository.Store, cfg LedgerConfig, log zerolog.Logger) *LedgerService {
	return &LedgerService{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   log,
	}
}

// SetClock replaces the time source used to stamp entries and exits.
func (s *LedgerService) SetClock(now func() time.Time) {
	s.now = now
}

// NormalizePlate applies the plate policy that matches where the text came from.
func (s *LedgerService) NormalizePlate(source parking.Source, raw string) (string, error) {
	policy := s.cfg.ManualPolicy
	if source.CameraSourced() {
		policy = s.cfg.CameraPolicy
	}
	plate, err := policy.Validate(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPlate, err)
	}
	return plate, nil
}

func (s *LedgerService) RecordSighting(ctx context.Context, sighting parking.Sighting) (*parking.SightingResult, error) {
	plate, err := s.NormalizePlate(sighting.Source, sighting.RawText)
	if err != nil {
		return nil, err
	}
	if sighting.ID == uuid.Nil {
		sighting.ID = uuid.New()
	}

	var result *parking.SightingResult
	err = s.store.WithVehicle(ctx, plate, func(tx repository.VehicleTx) error {
		now := s.now().UTC()
		open, err := tx.OpenVisit()
		if err != nil {
			return err
		}
		if open != nil {
			result, err = s.exit(tx, open, now)
		} else {
			result, err = s.entry(tx, sighting, now)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.log.Warn().
				Err(err).
				Str("plate", plate).
				Str("sighting_id", sighting.ID.String()).
				Msg("sighting lost a concurrent update")
			return nil, fmt.Errorf("%w: plate %s: %v", ErrConflict, plate, err)
		}
		s.log.Error().
			Err(err).
			Str("plate", plate).
			Str("source", string(sighting.Source)).
			Msg("failed to record sighting")
		return nil, fmt.Errorf("failed to record sighting: %w", err)
	}

	ev := s.log.Info().
		Str("action", string(result.Action)).
		Str("plate", plate).
		Str("raw_plate", sighting.RawText).
		Str("source", string(sighting.Source)).
		Str("sighting_id", sighting.ID.String()).
		Int64("visit_id", result.Visit.ID).
		Time("entry_time", result.Visit.EntryTime)
	if result.Action == parking.ActionExit {
		ev = ev.Dur("duration", result.Visit.Duration())
		if result.Billing != nil && result.Billing.Charge != nil {
			ev = ev.Int64("charge", *result.Billing.Charge)
		}
	}
	ev.Msg("sighting reconciled")

	return result, nil
}

func (s *LedgerService) entry(tx repository.VehicleTx, sighting parking.Sighting, now time.Time) (*parking.SightingResult, error) {
	visit, err := parking.NewVisit(tx.Vehicle(), now, sighting.ImageRef)
	if err != nil {
		return nil, err
	}
	visit.Metadata = sighting.Metadata()
	if err := tx.CreateVisit(visit); err != nil {
		return nil, err
	}

	billing := parking.NewBillingRecord(*visit)
	if err := tx.CreateBilling(billing); err != nil {
		return nil, err
	}

	return &parking.SightingResult{Action: parking.ActionEntry, Visit: *visit, Billing: billing}, nil
}

func (s *LedgerService) exit(tx repository.VehicleTx, visit *parking.Visit, now time.Time) (*parking.SightingResult, error) {
	if err := visit.Close(now); err != nil {
		return nil, err
	}
	if err := tx.CloseVisit(visit); err != nil {
		return nil, err
	}

	billing, err := tx.BillingForVisit(visit.ID)
	if err != nil {
		return nil, err
	}
	if billing == nil {
		// no billing row for this visit; write a closed one so the log stays complete
		billing = parking.NewBillingRecord(*visit)
		if err := billing.Close(*visit.ExitTime, s.cfg.RatePerHour); err != nil {
			return nil, err
		}
		if err := tx.CreateBilling(billing); err != nil {
			return nil, err
		}
	} else {
		if err := billing.Close(*visit.ExitTime, s.cfg.RatePerHour); err != nil {
			return nil, err
		}
		if err := tx.CloseBilling(billing); err != nil {
			return nil, err
		}
	}

	return &parking.SightingResult{Action: parking.ActionExit, Visit: *visit, Billing: billing}, nil
}

func (s *LedgerService) ListVisits(ctx context.Context, plateQuery string, openOnly bool, limit, offset int) ([]parking.Visit, error) {
	filter := repository.VisitFilter{OpenOnly: openOnly, Limit: limit, Offset: offset}
	if plateQuery != "" {
		filter.Plate = utils.NormalizePlate(plateQuery)
		if filter.Plate == "" {
			return nil, fmt.Errorf("%w: plate query cannot be empty", ErrInvalidInput)
		}
	}
	normalizePaging(&filter.Limit, &filter.Offset)

	visits, err := s.store.ListVisits(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	return visits, nil
}

func (s *LedgerService) ListBilling(ctx context.Context, plateQuery string, limit, offset int) ([]parking.BillingRecord, error) {
	filter := repository.BillingFilter{Limit: limit, Offset: offset}
	if plateQuery != "" {
		filter.Plate = utils.NormalizePlate(plateQuery)
		if filter.Plate == "" {
			return nil, fmt.Errorf("%w: plate query cannot be empty", ErrInvalidInput)
		}
	}
	normalizePaging(&filter.Limit, &filter.Offset)

	records, err := s.store.ListBilling(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	return records, nil
}

// UpdateVehicle changes descriptive metadata only; the plate key is immutable.
func (s *LedgerService) UpdateVehicle(ctx context.Context, plateQuery string, update parking.VehicleUpdate) (*parking.Vehicle, error) {
	plate := utils.NormalizePlate(plateQuery)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidPlate)
	}
	if update.Category != nil && !update.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, *update.Category)
	}

	v, err := s.store.UpdateVehicle(ctx, plate, update)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, plate)
		}
		return nil, fmt.Errorf("failed to update vehicle: %w", err)
	}

	s.log.Info().Str("plate", plate).Str("category", string(v.Category)).Msg("vehicle updated")
	return v, nil
}

func normalizePaging(limit, offset *int) {
	if *limit <= 0 {
		*limit = 50
	}
	if *limit > 100 {
		*limit = 100
	}
	if *offset < 0 {
		*offset = 0
	}
}

func (s *LedgerService) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
