package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"charter/api/internal/auth"
	"charter/api/internal/authpw"
	"charter/api/internal/evaluation"
	"charter/api/internal/export"
	"charter/api/internal/store"
	"charter/api/internal/workflow"
)

var ErrWorkflowRequired = errors.New("proposal has no workflow")

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func validation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

var invalidState = []error{
	evaluation.ErrNotPublished,
	evaluation.ErrNotDraft,
	evaluation.ErrArchived,
	evaluation.ErrNotCurrentStep,
	evaluation.ErrWrongType,
	evaluation.ErrAlreadyDecided,
	evaluation.ErrAlreadyReviewed,
	evaluation.ErrNoReview,
	evaluation.ErrDocumentsUnsigned,
	evaluation.ErrAlreadySigned,
	evaluation.ErrNotAppealable,
	evaluation.ErrAlreadyAppealed,
	evaluation.ErrVoteClosed,
	evaluation.ErrVoteStillOpen,
	evaluation.ErrVoteNotStarted,
}

var invalidInput = []error{
	ErrWorkflowRequired,
	workflow.ErrInvalidWorkflow,
	evaluation.ErrInvalidSettings,
	evaluation.ErrInvalidResult,
	evaluation.ErrInvalidDecline,
	evaluation.ErrInvalidAnswer,
	evaluation.ErrInvalidChoice,
	evaluation.ErrInvalidTarget,
	evaluation.ErrMissingReviewers,
	authpw.ErrInvalidInput,
}

// classify turns any error the service returns into the DomainError the HTTP
// layer renders. Unknown errors become a 500 without leaking their text.
func classify(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var mismatch *workflow.MismatchError
	if errors.As(err, &mismatch) {
		return domainError(http.StatusConflict, "WORKFLOW_MISMATCH", mismatch.Error(), map[string]any{
			"index":    mismatch.Position,
			"field":    mismatch.Field,
			"proposal": mismatch.Proposal,
			"workflow": mismatch.Workflow,
		})
	}
	var position *workflow.PositionError
	if errors.As(err, &position) {
		return domainError(http.StatusConflict, "WORKFLOW_MISMATCH", position.Error(), map[string]any{
			"index": position.Position,
		})
	}

	switch {
	case errors.Is(err, workflow.ErrEvaluationNotFound),
		errors.Is(err, evaluation.ErrEvaluationNotFound),
		errors.Is(err, evaluation.ErrDocumentNotFound),
		errors.Is(err, sql.ErrNoRows):
		message := "Not found"
		if !errors.Is(err, sql.ErrNoRows) {
			message = err.Error()
		}
		return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
	case errors.Is(err, evaluation.ErrNotAuthor):
		return domainError(http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, store.ErrStale):
		return domainError(http.StatusConflict, "CONFLICT", "Proposal changed concurrently, retry the request", nil)
	case store.IsUniqueViolation(err), store.IsForeignKeyViolation(err):
		return domainError(http.StatusConflict, "CONFLICT", "Conflicts with existing data", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return domainError(http.StatusServiceUnavailable, "SERVER_ERROR", "PDF rendering is not available", nil)
	}
	for _, target := range invalidState {
		if errors.Is(err, target) {
			return domainError(http.StatusConflict, "INVALID_STATE", err.Error(), nil)
		}
	}
	for _, target := range invalidInput {
		if errors.Is(err, target) {
			return validation(err.Error())
		}
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}
