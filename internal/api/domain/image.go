package domain

import (
	"errors"
)

const (
	ImageStatusProcessing = "PROCESSING"
	ImageStatusCompleted  = "COMPLETED"
)

var (
	ErrImageNotFound = errors.New("image not found")
)
