package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cortexuvula/etagchat/internal/logging"
)

const defaultLogLimit = 100

// LogsResponse is the JSON response from the logs endpoint.
type LogsResponse struct {
	Count   int              `json:"count"`
	Entries []logging.Record `json:"entries"`
}

// LogsHandler serves recently captured log records.
// Query parameters: limit (default 100) and level (debug, info, warn, error).
type LogsHandler struct {
	recent *logging.Recent
}

// NewLogsHandler creates a handler over recent.
func NewLogsHandler(recent *logging.Recent) *LogsHandler {
	return &LogsHandler{recent: recent}
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		if err := minLevel.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			http.Error(w, "level must be one of: debug, info, warn, error", http.StatusBadRequest)
			return
		}
	}

	entries := h.recent.Snapshot(limit, minLevel)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LogsResponse{Count: len(entries), Entries: entries})
}
