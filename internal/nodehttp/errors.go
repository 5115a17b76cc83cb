package nodehttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/webai/controlplane/internal/model"
)

type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var merr *model.Error
	if !errors.As(err, &merr) {
		merr = &model.Error{Code: model.CodeInternal, Message: "internal error"}
	}
	var body errorBody
	body.Error.Code = string(merr.Code)
	body.Error.Message = merr.Message
	body.Error.CorrelationID = merr.CorrelationID
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(merr.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
