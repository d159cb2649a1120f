package app

import (
	"errors"
	"fmt"
	"net/http"

	"peerlines/agent/internal/baseline"
	"peerlines/agent/internal/blobstore"
	"peerlines/agent/internal/coordinator"
	"peerlines/agent/internal/patch"
	"peerlines/agent/internal/session"
	"peerlines/agent/internal/vcs"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var authErr *coordinator.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Coordinator rejected credentials", nil
	}
	var netErr *coordinator.NetworkError
	if errors.As(err, &netErr) {
		return http.StatusBadGateway, "COORDINATOR_UNAVAILABLE", "Coordinator unavailable", map[string]any{"op": netErr.Op, "status": netErr.Status}
	}

	switch {
	case errors.Is(err, baseline.ErrNoBaseline):
		return http.StatusConflict, "NOT_SYNCHRONIZED", "No common baseline with peers yet", nil
	case errors.Is(err, session.ErrUnknownClient):
		return http.StatusNotFound, "UNKNOWN_CLIENT", "Client is not connected", nil
	case errors.Is(err, session.ErrUnknownProject):
		return http.StatusNotFound, "UNKNOWN_PROJECT", "No registered folder contains this path", nil
	case errors.Is(err, session.ErrInvalidClient):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid client id", nil
	case errors.Is(err, vcs.ErrNotRepository):
		return http.StatusUnprocessableEntity, "NOT_A_REPOSITORY", "Folder is not inside a git repository", nil
	case errors.Is(err, vcs.ErrNoRemote):
		return http.StatusUnprocessableEntity, "NO_REMOTE", "Repository has no remote", nil
	case errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound, "PATCH_NOT_FOUND", "Peer patch not found", nil
	}

	var vcsErr *vcs.VCSError
	if errors.As(err, &vcsErr) {
		return http.StatusInternalServerError, "VCS_ERROR", vcsErr.Error(), nil
	}
	var patchErr *patch.PatchError
	if errors.As(err, &patchErr) {
		return http.StatusInternalServerError, "PATCH_ERROR", patchErr.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
