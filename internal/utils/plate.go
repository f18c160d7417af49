package utils

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPlate  = errors.New("plate is empty after normalization")
	ErrPlateLength = errors.New("plate length out of bounds")
)

// NormalizePlate uppercases raw and drops everything that is not A-Z or 0-9.
func NormalizePlate(raw string) string {
	upper := strings.ToUpper(raw)
	var b strings.Builder
	b.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PlatePolicy bounds the length of a normalized plate. MaxLength 0 means no upper bound.
type PlatePolicy struct {
	MinLength int
	MaxLength int
}

var (
	// CameraPlatePolicy suppresses OCR noise from automatic captures.
	CameraPlatePolicy = PlatePolicy{MinLength: 5, MaxLength: 12}
	// ManualPlatePolicy accepts any non-empty plate typed or submitted by a person.
	ManualPlatePolicy = PlatePolicy{MinLength: 1}
)

// Validate normalizes raw and checks it against the policy.
func (p PlatePolicy) Validate(raw string) (string, error) {
	plate := NormalizePlate(raw)
	if plate == "" {
		return "", ErrEmptyPlate
	}
	if len(plate) < p.MinLength || (p.MaxLength > 0 && len(plate) > p.MaxLength) {
		return "", fmt.Errorf("%w: %q has %d characters, want %s", ErrPlateLength, plate, len(plate), p.bounds())
	}
	return plate, nil
}

func (p PlatePolicy) bounds() string {
	if p.MaxLength > 0 {
		return fmt.Sprintf("%d-%d", p.MinLength, p.MaxLength)
	}
	return fmt.Sprintf("at least %d", p.MinLength)
}
