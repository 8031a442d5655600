package handlers

import (
	"net/http"
	"strconv"

	"github.com/bastionhq/bastiond/internal/logging"
)

// GetLogs returns the tail of the process log file.
func GetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 10000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
