package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidPlate = fmt.Errorf("%w: invalid plate", ErrInvalidInput)
	ErrNotFound     = errors.New("not found")
	// ErrConflict is returned when a concurrent sighting for the same vehicle won the race.
	// Retrying the sighting reconciles to the correct state.
	ErrConflict = errors.New("conflict")
)
