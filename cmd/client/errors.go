package client

import (
	"errors"
	"fmt"
	"net/http"

	"duet/cmd/messaging"
	apiv1 "duet/shared/contracts/api/v1"
)

// ErrFeedLost is the terminal error of a live feed whose connection dropped.
var ErrFeedLost = errors.New("client: live feed lost")

// APIError is a non-2xx response of the duet API. It unwraps to the messaging kind
// matching the status so callers branch on errors.Is like they would against a local store.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("duet api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("duet api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return messaging.ErrNotAuthenticated
	case http.StatusForbidden:
		return messaging.ErrNotParticipant
	case http.StatusNotFound:
		return messaging.ErrNotFound
	case http.StatusConflict:
		return messaging.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return messaging.ErrInvalidInput
	case http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return messaging.ErrUpload
	}
	if e.Code == apiv1.CodeUploadFailed {
		return messaging.ErrUpload
	}
	return messaging.ErrPersistence
}
