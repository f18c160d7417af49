package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"parking-tracker/internal/archive"
	"parking-tracker/internal/domain/parking"
	"parking-tracker/internal/repository"
	"parking-tracker/internal/utils"
)

const DefaultTopVehicles = 5

// ImageCatalog supplies the archive listing used to attach images to visits.
type ImageCatalog interface {
	Catalog() *archive.Catalog
}

type Summary struct {
	TotalVisits     int64                       `json:"total_visits"`
	CurrentlyParked int64                       `json:"currently_parked"`
	AverageDuration string                      `json:"average_duration"`
	TopVehicles     []parking.VehicleVisitCount `json:"top_vehicles"`
}

type VisitInfo struct {
	ID        int64      `json:"id"`
	EntryTime time.Time  `json:"entry_time"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
	Open      bool       `json:"open"`
	Duration  string     `json:"duration"`
	Charge    *int64     `json:"charge,omitempty"`
	Image     string     `json:"image,omitempty"`
	archive.VisitImages
}

type VehicleHistory struct {
	Plate               string           `json:"plate"`
	OwnerName           string           `json:"owner_name,omitempty"`
	Category            parking.Category `json:"category"`
	TotalVisits         int              `json:"total_visits"`
	TotalDuration       string           `json:"total_duration"`
	AverageDuration     string           `json:"average_duration"`
	DistinctDaysVisited int              `json:"distinct_days_visited"`
	CurrentlyParked     bool             `json:"currently_parked"`
	Visits              []VisitInfo      `json:"visits"`
}

type AnalyticsService struct {
	store  repository.Store
	images ImageCatalog
	loc    *time.Location
	log    zerolog.Logger
}

// NewAnalyticsService builds the read side. images may be nil, in which case visits carry no
// linked images. Calendar days are counted in loc.
func NewAnalyticsService(store repository.Store, images ImageCatalog, loc *time.Location, log zerolog.Logger) *AnalyticsService {
	if loc == nil {
		loc = time.Local
	}
	return &AnalyticsService{
		store:  store,
		images: images,
		loc:    loc,
		log:    log,
	}
}

func (s *AnalyticsService) TotalVisits(ctx context.Context) (int64, error) {
	n, err := s.store.CountVisits(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count visits: %w", err)
	}
	return n, nil
}

func (s *AnalyticsService) CurrentlyOpenCount(ctx context.Context) (int64, error) {
	n, err := s.store.CountOpenVisits(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count open visits: %w", err)
	}
	return n, nil
}

// AverageClosedDuration returns zero when no visit has closed yet.
func (s *AnalyticsService) AverageClosedDuration(ctx context.Context) (time.Duration, error) {
	durations, err := s.store.ClosedVisitDurations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load closed visits: %w", err)
	}
	return mean(durations), nil
}

func (s *AnalyticsService) TopVehicles(ctx context.Context, n int) ([]parking.VehicleVisitCount, error) {
	if n <= 0 {
		n = DefaultTopVehicles
	}
	top, err := s.store.TopVehicles(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to rank vehicles: %w", err)
	}
	return top, nil
}

func (s *AnalyticsService) Summary(ctx context.Context, top int) (*Summary, error) {
	total, err := s.TotalVisits(ctx)
	if err != nil {
		return nil, err
	}
	open, err := s.CurrentlyOpenCount(ctx)
	if err != nil {
		return nil, err
	}
	avg, err := s.AverageClosedDuration(ctx)
	if err != nil {
		return nil, err
	}
	ranked, err := s.TopVehicles(ctx, top)
	if err != nil {
		return nil, err
	}

	return &Summary{
		TotalVisits:     total,
		CurrentlyParked: open,
		AverageDuration: utils.FormatDuration(avg),
		TopVehicles:     ranked,
	}, nil
}

func (s *AnalyticsService) VehicleHistory(ctx context.Context, plateQuery string) (*VehicleHistory, error) {
	plate := utils.NormalizePlate(plateQuery)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidPlate)
	}

	vehicle, err := s.store.GetVehicle(ctx, plate)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, plate)
		}
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}

	visits, err := s.store.ListVisits(ctx, repository.VisitFilter{Plate: plate})
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	records, err := s.store.ListBilling(ctx, repository.BillingFilter{Plate: plate})
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	charges := make(map[int64]*int64, len(records))
	for _, r := range records {
		charges[r.VisitID] = r.Charge
	}

	var catalog *archive.Catalog
	if s.images != nil {
		catalog = s.images.Catalog()
	}

	history := &VehicleHistory{
		Plate:       vehicle.Plate,
		OwnerName:   vehicle.OwnerName,
		Category:    vehicle.Category,
		TotalVisits: len(visits),
		Visits:      make([]VisitInfo, 0, len(visits)),
	}

	var closed []time.Duration
	days := map[string]struct{}{}
	for _, v := range visits {
		info := VisitInfo{
			ID:        v.ID,
			EntryTime: v.EntryTime,
			ExitTime:  v.ExitTime,
			Open:      v.Open(),
			Duration:  utils.FormatDuration(v.Duration()),
			Charge:    charges[v.ID],
			Image:     v.ImageRef,
		}
		if catalog != nil {
			info.VisitImages = catalog.Link(v)
		}
		history.Visits = append(history.Visits, info)

		if v.Open() {
			history.CurrentlyParked = true
		} else {
			closed = append(closed, v.Duration())
		}
		days[v.EntryTime.In(s.loc).Format("2006-01-02")] = struct{}{}
	}

	var total time.Duration
	for _, d := range closed {
		total += d
	}
	history.TotalDuration = utils.FormatDuration(total)
	history.AverageDuration = utils.FormatDuration(mean(closed))
	history.DistinctDaysVisited = len(days)

	return history, nil
}

func mean(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}
