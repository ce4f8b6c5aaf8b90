package handlers

import (
	"net/http"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if Sessions != nil {
		sessions = Sessions.Count()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": sessions,
	})
}
