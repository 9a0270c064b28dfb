package apierr

import (
	"encoding/json"
	"net/http"
)

// envelope is the wire shape of every error response:
// {status, error, message, detail}.
type envelope struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// WriteError writes err as the standard JSON error envelope, coercing it to
// an AppError first if needed.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)

	resp := envelope{
		Status:  "error",
		Error:   appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(resp)
}
