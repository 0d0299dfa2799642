package app

import (
	"errors"
	"fmt"
	"net/http"

	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/store"
	"planboard/collab/internal/workspace"
)

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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, workspace.ErrInvalidValue),
		errors.Is(err, workspace.ErrUnknownMapping),
		errors.Is(err, preview.ErrInvalidPreview),
		errors.Is(err, store.ErrInvalidNodeID),
		errors.Is(err, rooms.ErrInvalidMessage):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, preview.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, preview.ErrLocked):
		return http.StatusConflict, "LOCKED", "Preview is locked by another user", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
