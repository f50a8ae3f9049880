package response

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/usecase/crawl"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

type RunListResponse struct {
	Runs []crawl.RunReport `json:"runs"`
}

type PendingResponse struct {
	TaskID  string `json:"taskId"`
	Pending int    `json:"pending"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes payload with the given status code.
func JSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func Error(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	JSON(w, logger, status, ErrorResponse{Error: message})
}
