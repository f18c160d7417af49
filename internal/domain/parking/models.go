package parking

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyPlate    = errors.New("plate is empty")
	ErrVisitClosed   = errors.New("visit already closed")
	ErrBillingClosed = errors.New("billing record already closed")
)

type Category string

const (
	CategoryStaff   Category = "STAFF"
	CategoryVisitor Category = "VISITOR"
)

func (c Category) Valid() bool {
	return c == CategoryStaff || c == CategoryVisitor
}

type Source string

const (
	SourceCamera   Source = "camera"
	SourceSnapshot Source = "snapshot"
	SourceManual   Source = "manual"
	SourceHTTP     Source = "http"
)

// CameraSourced reports whether the plate text came from OCR rather than a person.
func (s Source) CameraSourced() bool {
	return s == SourceCamera || s == SourceSnapshot
}

type Action string

const (
	ActionEntry Action = "entry"
	ActionExit  Action = "exit"
)

type Vehicle struct {
	ID        int64     `json:"id"`
	Plate     string    `json:"plate"`
	OwnerName string    `json:"owner_name,omitempty"`
	Category  Category  `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// NewVehicle builds a vehicle for an already normalized plate key.
func NewVehicle(plate string, now time.Time) (*Vehicle, error) {
	if plate == "" {
		return nil, ErrEmptyPlate
	}
	return &Vehicle{
		Plate:     plate,
		Category:  CategoryVisitor,
		CreatedAt: now,
	}, nil
}

type VehicleUpdate struct {
	OwnerName *string   `json:"owner_name"`
	Category  *Category `json:"category"`
}

// Visit is one parking stay. A visit with no exit time is open.
type Visit struct {
	ID        int64                  `json:"id"`
	VehicleID int64                  `json:"vehicle_id"`
	Plate     string                 `json:"plate"`
	EntryTime time.Time              `json:"entry_time"`
	ExitTime  *time.Time             `json:"exit_time,omitempty"`
	ImageRef  string                 `json:"image,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func NewVisit(vehicle Vehicle, entry time.Time, imageRef string) (*Visit, error) {
	if vehicle.Plate == "" {
		return nil, ErrEmptyPlate
	}
	return &Visit{
		VehicleID: vehicle.ID,
		Plate:     vehicle.Plate,
		EntryTime: entry,
		ImageRef:  imageRef,
	}, nil
}

func (v *Visit) Open() bool {
	return v.ExitTime == nil
}

// Close stamps the exit time. An exit earlier than the entry is clamped to the entry.
func (v *Visit) Close(exit time.Time) error {
	if !v.Open() {
		return ErrVisitClosed
	}
	if exit.Before(v.EntryTime) {
		exit = v.EntryTime
	}
	v.ExitTime = &exit
	return nil
}

// Duration is zero for open visits.
func (v *Visit) Duration() time.Duration {
	if v.ExitTime == nil {
		return 0
	}
	return v.ExitTime.Sub(v.EntryTime)
}

type Sighting struct {
	ID          uuid.UUID
	RawText     string
	Image       []byte
	ImageRef    string
	Source      Source
	CameraID    string
	CameraModel string
	Confidence  float64
	ReceivedAt  time.Time
}

// Metadata is what gets persisted alongside the visit a sighting opened.
func (s Sighting) Metadata() map[string]interface{} {
	m := map[string]interface{}{
		"sighting_id": s.ID.String(),
		"source":      string(s.Source),
		"raw_text":    s.RawText,
	}
	if s.CameraID != "" {
		m["camera_id"] = s.CameraID
	}
	if s.CameraModel != "" {
		m["camera_model"] = s.CameraModel
	}
	if s.Confidence != 0 {
		m["confidence"] = s.Confidence
	}
	return m
}

type SightingResult struct {
	Action  Action         `json:"action"`
	Visit   Visit          `json:"visit"`
	Billing *BillingRecord `json:"billing,omitempty"`
}

type VehicleVisitCount struct {
	Plate  string `json:"plate"`
	Visits int64  `json:"visits"`
}
