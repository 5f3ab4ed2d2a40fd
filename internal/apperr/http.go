package apperr

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

type body struct {
	Error     detail `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type detail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Write renders err as the JSON error envelope. Internal causes are never
// echoed to the caller.
func Write(w http.ResponseWriter, err error, requestID string) {
	e := As(err)
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body{
		Error:     detail{Kind: e.Kind, Message: e.Message},
		RequestID: requestID,
	})
}
