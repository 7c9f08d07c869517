package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/queue"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  queue.Client
	Store  blob.Store

	// Health returns failed backend checks by name; nil means no checks
	Health func(ctx context.Context) map[string]error

	ServiceName        string
	Operation          string
	DefaultScaleFactor int
	MaxScaleFactor     int
	MaxUploadSize      int64
	MaxSourcePixels    int
	PresignTTL         time.Duration
}

// ImageHandler handles upload and result lookup requests
type ImageHandler struct {
	logger             *slog.Logger
	queue              queue.Client
	store              blob.Store
	operation          string
	defaultScaleFactor int
	maxScaleFactor     int
	maxUploadSize      int64
	maxSourcePixels    int
	presignTTL         time.Duration
}

// NewImageHandler creates a new ImageHandler instance
func NewImageHandler(deps *Dependencies) *ImageHandler {
	return &ImageHandler{
		logger:             deps.Logger,
		queue:              deps.Queue,
		store:              deps.Store,
		operation:          deps.Operation,
		defaultScaleFactor: deps.DefaultScaleFactor,
		maxScaleFactor:     deps.MaxScaleFactor,
		maxUploadSize:      deps.MaxUploadSize,
		maxSourcePixels:    deps.MaxSourcePixels,
		presignTTL:         deps.PresignTTL,
	}
}
