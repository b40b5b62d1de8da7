package api

import (
	"context"
	"errors"
	"net/http"

	"duet/cmd/internal/attachment"
	"duet/cmd/internal/profile"
	"duet/cmd/messaging"
	apiv1 "duet/shared/contracts/api/v1"
)

// statusFor maps a domain error onto an HTTP status and a wire code.
// Upload causes are checked first because UploadError also wraps backend failures.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, apiv1.CodeTooLarge
	case errors.Is(err, attachment.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, apiv1.CodeUnsupported
	case errors.Is(err, attachment.ErrEmptyFile), errors.Is(err, attachment.ErrInvalidOwner):
		return http.StatusUnprocessableEntity, apiv1.CodeInvalidInput
	case errors.Is(err, messaging.ErrUpload):
		return http.StatusBadGateway, apiv1.CodeUploadFailed

	case messaging.IsNotAuthenticated(err):
		return http.StatusUnauthorized, apiv1.CodeUnauthorized
	case messaging.IsNotParticipant(err):
		return http.StatusForbidden, apiv1.CodeForbidden
	case messaging.IsNotFound(err), errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound, apiv1.CodeNotFound
	case messaging.IsConflict(err):
		return http.StatusConflict, apiv1.CodeConflict
	case messaging.IsInvalidInput(err), errors.Is(err, profile.ErrInvalidInput):
		return http.StatusUnprocessableEntity, apiv1.CodeInvalidInput
	case messaging.IsPersistence(err),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, apiv1.CodeUnavailable
	default:
		return http.StatusInternalServerError, apiv1.CodeInternal
	}
}

// fail writes err as a JSON error. Server-side failures are logged at error level
// and their details are not echoed to the caller.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "path", r.URL.Path, "status", status, "err", err)
		msg := "internal error"
		if status == http.StatusServiceUnavailable {
			msg = "storage unavailable, please retry"
		} else if status == http.StatusBadGateway {
			msg = "attachment storage failed"
		}
		writeError(w, status, code, msg)
		return
	}
	h.log.Info(event, "path", r.URL.Path, "status", status, "err", err)
	writeError(w, status, code, err.Error())
}
