package controller

import (
	"strings"
	"time"

	"benchboard/internal/identity"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/service"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionController handles submission HTTP endpoints.
type SubmissionController struct {
	submissionService *service.SubmissionService
}

// NewSubmissionController creates a new SubmissionController.
func NewSubmissionController(submissionService *service.SubmissionService) *SubmissionController {
	return &SubmissionController{submissionService: submissionService}
}

// Create accepts a submission and enqueues it for evaluation.
func (h *SubmissionController) Create(c *gin.Context) {
	id, ok := identity.FromContext(c)
	if !ok {
		response.Unauthorized(c, "identity required")
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	res, err := h.submissionService.Submit(c.Request.Context(), service.SubmitInput{
		Identity:       id,
		UserID:         req.UserID,
		SourceRef:      req.SourceRef,
		Language:       req.Language,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := SubmitResponse{
		SubmissionID: res.Submission.ID,
		State:        res.Submission.State,
		CreatedAt:    res.Submission.CreatedAt.UTC().Format(time.RFC3339),
	}
	if res.Replayed {
		response.Success(c, payload)
		return
	}
	response.Accepted(c, payload)
}

// Upload stores a source file and returns its reference.
func (h *SubmissionController) Upload(c *gin.Context) {
	id, ok := identity.FromContext(c)
	if !ok {
		response.Unauthorized(c, "identity required")
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErr.ValidationError("file", "required"))
		return
	}
	file, err := header.Open()
	if err != nil {
		response.BadRequest(c, "Unreadable file")
		return
	}
	defer file.Close()

	ref, err := h.submissionService.Upload(c.Request.Context(), service.UploadInput{
		Identity:  id,
		Language:  c.PostForm("language"),
		Reader:    file,
		SizeBytes: header.Size,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, UploadResponse{SourceRef: ref})
}

// Get returns one of the caller's submissions.
func (h *SubmissionController) Get(c *gin.Context) {
	id, ok := identity.FromContext(c)
	if !ok {
		response.Unauthorized(c, "identity required")
		return
	}
	sub, err := h.submissionService.Get(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

// SubmitRequest defines the enqueue payload.
type SubmitRequest struct {
	SourceRef string `json:"source_ref"`
	Language  string `json:"language"`
	UserID    string `json:"user_id"`
}

// SubmitResponse defines the enqueue response payload.
type SubmitResponse struct {
	SubmissionID string      `json:"submission_id"`
	State        model.State `json:"state"`
	CreatedAt    string      `json:"created_at"`
}

// UploadResponse defines the upload response payload.
type UploadResponse struct {
	SourceRef string `json:"source_ref"`
}
