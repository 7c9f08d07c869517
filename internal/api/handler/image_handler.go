package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apidomain "github.com/cuongbtq/upscale-worker/internal/api/domain"
	"github.com/cuongbtq/upscale-worker/internal/api/dto"
	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/worker/domain"
)

// Upload handles POST /v1/upload
// Stores the image as PNG under {id}-original and enqueues an upscale job
func (h *ImageHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "multipart field 'file' is required"})
		return
	}

	if h.maxUploadSize > 0 && fileHeader.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
			Error: fmt.Sprintf("file exceeds %d bytes", h.maxUploadSize),
		})
		return
	}

	factor, err := h.scaleFactor(c.PostForm("scale_factor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read upload"})
		return
	}
	defer file.Close()

	// Reject oversized dimensions from the header before allocating pixels
	header, _, err := image.DecodeConfig(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unsupported or corrupt image"})
		return
	}
	if h.maxSourcePixels > 0 && int64(header.Width)*int64(header.Height) > int64(h.maxSourcePixels) {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
			Error: fmt.Sprintf("image %dx%d exceeds %d pixels", header.Width, header.Height, h.maxSourcePixels),
		})
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.logger.Error("Failed to rewind upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to read upload"})
		return
	}

	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unsupported or corrupt image"})
		return
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		h.logger.Error("Failed to encode upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to process image"})
		return
	}

	ctx := c.Request.Context()
	id := uuid.NewString()

	if err := h.store.Put(ctx, domain.OriginalKey(id), buf.Bytes(), domain.ContentTypePNG); err != nil {
		h.logger.Error("Failed to store original",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "upload failed"})
		return
	}

	body, err := json.Marshal(map[string]any{
		"id":           id,
		"scale_factor": map[string]int{h.operation: factor},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to encode job"})
		return
	}

	if err := h.queue.Send(ctx, body); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "failed to queue job"})
		return
	}

	h.logger.Info("Image uploaded and job queued",
		slog.String("id", id),
		slog.Int("scale_factor", factor),
		slog.Int("size", buf.Len()),
	)

	c.JSON(http.StatusAccepted, dto.UploadResponse{
		ID:          id,
		ScaleFactor: factor,
		Original:    h.location(ctx, domain.OriginalKey(id)),
		Upscaled:    h.location(ctx, domain.ResultKey(id, h.operation)),
	})
}

// GetImage handles GET /v1/images/:id
// 200 once the result exists, 202 while the job is pending, 404 for unknown ids
func (h *ImageHandler) GetImage(c *gin.Context) {
	id := c.Param("id")
	if id == "" || strings.ContainsAny(id, "/\\") {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid id"})
		return
	}

	ctx := c.Request.Context()
	status, err := h.imageStatus(ctx, id)
	if errors.Is(err, apidomain.ErrImageNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to look up image",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to look up image"})
		return
	}

	resp := dto.ImageStatusResponse{
		ID:       id,
		Status:   status,
		Original: h.location(ctx, domain.OriginalKey(id)),
	}
	if status == apidomain.ImageStatusProcessing {
		c.JSON(http.StatusAccepted, resp)
		return
	}

	resp.Upscaled = h.location(ctx, domain.ResultKey(id, h.operation))
	c.JSON(http.StatusOK, resp)
}

func (h *ImageHandler) imageStatus(ctx context.Context, id string) (string, error) {
	done, err := blob.Exists(ctx, h.store, domain.ResultKey(id, h.operation))
	if err != nil {
		return "", err
	}
	if done {
		return apidomain.ImageStatusCompleted, nil
	}

	uploaded, err := blob.Exists(ctx, h.store, domain.OriginalKey(id))
	if err != nil {
		return "", err
	}
	if !uploaded {
		return "", apidomain.ErrImageNotFound
	}
	return apidomain.ImageStatusProcessing, nil
}

func (h *ImageHandler) scaleFactor(raw string) (int, error) {
	if raw == "" {
		return h.defaultScaleFactor, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || (h.maxScaleFactor > 0 && n > h.maxScaleFactor) {
		return 0, fmt.Errorf("scale_factor must be an integer between 1 and %d", h.maxScaleFactor)
	}
	return n, nil
}

// location returns a presigned URL for key when the store can sign, the key otherwise
func (h *ImageHandler) location(ctx context.Context, key string) string {
	presigner, ok := h.store.(blob.Presigner)
	if !ok {
		return key
	}

	url, err := presigner.PresignGet(ctx, key, h.presignTTL)
	if err != nil {
		h.logger.Warn("Failed to presign url",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return key
	}
	return url
}

