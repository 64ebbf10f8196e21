package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-dialer/internal/domain"
	runsvc "github.com/acme/lead-dialer/internal/service/run"
)

type createRunRequest struct {
	Name          string      `json:"name"`
	MaxConcurrent int         `json:"max_concurrent"`
	LeadIDs       []uuid.UUID `json:"lead_ids"`
}

type registerLeadsRequest struct {
	Leads []leadRequest `json:"leads"`
}

type leadRequest struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
}

type runResponse struct {
	ID              uuid.UUID        `json:"id"`
	TenantID        uuid.UUID        `json:"tenant_id"`
	Name            string           `json:"name"`
	Status          domain.RunStatus `json:"status"`
	MaxConcurrent   int              `json:"max_concurrent"`
	CancelRequested bool             `json:"cancel_requested"`
	Cursor          int              `json:"cursor"`
	Counters        countersResponse `json:"counters"`
	LockedBy        *string          `json:"locked_by,omitempty"`
	HeartbeatAt     *time.Time       `json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

type countersResponse struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Dialing   int `json:"dialing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type jobResponse struct {
	ID         uuid.UUID        `json:"id"`
	LeadID     uuid.UUID        `json:"lead_id"`
	Status     domain.JobStatus `json:"status"`
	CallHandle *string          `json:"call_handle,omitempty"`
	LastError  *string          `json:"last_error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type attemptResponse struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	Phone      string    `json:"phone"`
	Status     string    `json:"status"`
	CallHandle string    `json:"call_handle,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *HandlerSet) createRun(ctx *fiber.Ctx) error {
	tenantID, err := parseTenant(ctx)
	if err != nil {
		return err
	}

	var req createRunRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	run, err := h.runs.Create(ctx.Context(), runsvc.CreateRunInput{
		TenantID:      tenantID,
		Name:          req.Name,
		MaxConcurrent: req.MaxConcurrent,
		LeadIDs:       req.LeadIDs,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toRunResponse(run))
}

func (h *HandlerSet) listRuns(ctx *fiber.Ctx) error {
	tenantID, err := parseTenant(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	runs, err := h.runs.List(ctx.Context(), tenantID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]runResponse, 0, len(runs))
	for _, r := range runs {
		resp = append(resp, toRunResponse(r))
	}
	return ctx.JSON(fiber.Map{"runs": resp})
}

func (h *HandlerSet) getRun(ctx *fiber.Ctx) error {
	tenantID, runID, err := parseTenantAndRun(ctx)
	if err != nil {
		return err
	}

	run, err := h.runs.Get(ctx.Context(), tenantID, runID)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toRunResponse(run))
}

func (h *HandlerSet) cancelRun(ctx *fiber.Ctx) error {
	tenantID, runID, err := parseTenantAndRun(ctx)
	if err != nil {
		return err
	}

	if err := h.runs.Cancel(ctx.Context(), tenantID, runID); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"status": "cancel requested"})
}

func (h *HandlerSet) listRunJobs(ctx *fiber.Ctx) error {
	tenantID, runID, err := parseTenantAndRun(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	status := domain.JobStatus(ctx.Query("status"))

	jobs, err := h.runs.Jobs(ctx.Context(), tenantID, runID, status, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobResponse{
			ID:         j.ID,
			LeadID:     j.LeadID,
			Status:     j.Status,
			CallHandle: j.CallHandle,
			LastError:  j.LastError,
			CreatedAt:  j.CreatedAt,
			UpdatedAt:  j.UpdatedAt,
		})
	}
	return ctx.JSON(fiber.Map{"jobs": resp})
}

func (h *HandlerSet) listRunAttempts(ctx *fiber.Ctx) error {
	tenantID, runID, err := parseTenantAndRun(ctx)
	if err != nil {
		return err
	}

	day := time.Now().UTC()
	if raw := ctx.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid day, expected YYYY-MM-DD")
		}
		day = parsed
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	attempts, err := h.container.Repositories().Attempts.ListByRun(ctx.Context(), tenantID, runID, day, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			ID:         a.ID,
			JobID:      a.JobID,
			Phone:      a.Phone,
			Status:     string(a.Status),
			CallHandle: a.CallHandle,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
			CreatedAt:  a.CreatedAt,
		})
	}
	return ctx.JSON(fiber.Map{"attempts": resp})
}

func (h *HandlerSet) registerLeads(ctx *fiber.Ctx) error {
	tenantID, err := parseTenant(ctx)
	if err != nil {
		return err
	}

	var req registerLeadsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	leads := make([]domain.Lead, 0, len(req.Leads))
	for _, l := range req.Leads {
		id := l.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		leads = append(leads, domain.Lead{
			ID:       id,
			TenantID: tenantID,
			Name:     l.Name,
			Phone:    l.Phone,
		})
	}

	if err := h.runs.RegisterLeads(ctx.Context(), leads); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(fiber.Map{"registered": len(leads)})
}

func parseTenant(ctx *fiber.Ctx) (uuid.UUID, error) {
	tenantID, err := uuid.Parse(ctx.Params("tenant_id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid tenant id")
	}
	return tenantID, nil
}

func parseTenantAndRun(ctx *fiber.Ctx) (uuid.UUID, uuid.UUID, error) {
	tenantID, err := parseTenant(ctx)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	runID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid run id")
	}
	return tenantID, runID, nil
}

func toRunResponse(run *domain.CampaignRun) runResponse {
	return runResponse{
		ID:              run.ID,
		TenantID:        run.TenantID,
		Name:            run.Name,
		Status:          run.Status,
		MaxConcurrent:   run.MaxConcurrent,
		CancelRequested: run.CancelRequested,
		Cursor:          run.Cursor,
		Counters: countersResponse{
			Total:     run.Counters.Total,
			Queued:    run.Counters.Queued,
			Dialing:   run.Counters.Dialing,
			Completed: run.Counters.Completed,
			Failed:    run.Counters.Failed,
		},
		LockedBy:    run.LockedBy,
		HeartbeatAt: run.HeartbeatAt,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
}
