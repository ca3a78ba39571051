package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/partition"
	"github.com/kursadbilgin/backfill-engine/internal/service"
)

type StatusService interface {
	SelectAllBatchedMigrations(ctx context.Context, project string) ([]domain.BatchedMigration, error)
	SelectBatchedMigration(ctx context.Context, project string, id int64) (*service.MigrationDetail, error)
}

type StatusHandler struct {
	service StatusService
}

func NewStatusHandler(service StatusService) (*StatusHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("status service is required")
	}
	return &StatusHandler{service: service}, nil
}

func RegisterStatusRoutes(router fiber.Router, service StatusService) error {
	h, err := NewStatusHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/projects/:project/batched-migrations", h.ListBatchedMigrations)
	v1.Get("/projects/:project/batched-migrations/:id", h.GetBatchedMigration)

	return nil
}

type batchedMigrationResponse struct {
	ID               int64      `json:"id"`
	Project          string     `json:"project"`
	Filename         string     `json:"filename"`
	Status           string     `json:"status"`
	MinValue         int64      `json:"minValue"`
	MaxValue         int64      `json:"maxValue"`
	BatchSize        int64      `json:"batchSize"`
	TotalBatches     int64      `json:"totalBatches"`
	PartitionedUntil int64      `json:"partitionedUntil"`
	LastError        *string    `json:"lastError,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type batchSummaryResponse struct {
	Pending   int64 `json:"pending"`
	Claimed   int64 `json:"claimed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

type batchResponse struct {
	ID            int64      `json:"id"`
	MinValue      int64      `json:"minValue"`
	MaxValue      int64      `json:"maxValue"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"lastError,omitempty"`
	ClaimedBy     *string    `json:"claimedBy,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

type batchedMigrationDetailResponse struct {
	batchedMigrationResponse
	Batches       batchSummaryResponse `json:"batches"`
	FailedBatches []batchResponse      `json:"failedBatches"`
}

type listBatchedMigrationsResponse struct {
	Data []batchedMigrationResponse `json:"data"`
}

func (h *StatusHandler) ListBatchedMigrations(c *fiber.Ctx) error {
	project := strings.TrimSpace(c.Params("project"))

	var status domain.MigrationStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := domain.ParseMigrationStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		status = parsed
	}

	migrations, err := h.service.SelectAllBatchedMigrations(c.Context(), project)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]batchedMigrationResponse, 0, len(migrations))
	for i := range migrations {
		if status != "" && migrations[i].Status != status {
			continue
		}
		data = append(data, toBatchedMigrationResponse(&migrations[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listBatchedMigrationsResponse{Data: data})
}

func (h *StatusHandler) GetBatchedMigration(c *fiber.Ctx) error {
	project := strings.TrimSpace(c.Params("project"))
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id < 1 {
		return toHTTPError(fmt.Errorf("%w: id must be a positive integer", domain.ErrValidation))
	}

	detail, err := h.service.SelectBatchedMigration(c.Context(), project, id)
	if err != nil {
		return toHTTPError(err)
	}

	failed := make([]batchResponse, 0, len(detail.FailedBatches))
	for i := range detail.FailedBatches {
		failed = append(failed, toBatchResponse(&detail.FailedBatches[i]))
	}

	s := detail.Summary
	return c.Status(fiber.StatusOK).JSON(batchedMigrationDetailResponse{
		batchedMigrationResponse: toBatchedMigrationResponse(&detail.Migration),
		Batches: batchSummaryResponse{
			Pending:   s.Pending,
			Claimed:   s.Claimed,
			Succeeded: s.Succeeded,
			Failed:    s.Failed,
			Total:     s.Total,
		},
		FailedBatches: failed,
	})
}

func toBatchedMigrationResponse(m *domain.BatchedMigration) batchedMigrationResponse {
	var total int64
	if p, err := partition.New(m.MinValue, m.MaxValue, m.BatchSize); err == nil {
		total = p.Count()
	}

	return batchedMigrationResponse{
		ID:               m.ID,
		Project:          m.Project,
		Filename:         m.Filename,
		Status:           m.Status.String(),
		MinValue:         m.MinValue,
		MaxValue:         m.MaxValue,
		BatchSize:        m.BatchSize,
		TotalBatches:     total,
		PartitionedUntil: m.PartitionedUntil,
		LastError:        m.LastError,
		StartedAt:        m.StartedAt,
		FinishedAt:       m.FinishedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toBatchResponse(b *domain.Batch) batchResponse {
	return batchResponse{
		ID:            b.ID,
		MinValue:      b.MinValue,
		MaxValue:      b.MaxValue,
		Status:        b.Status.String(),
		Attempts:      b.Attempts,
		LastError:     b.LastError,
		ClaimedBy:     b.ClaimedBy,
		NextAttemptAt: b.NextAttemptAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
