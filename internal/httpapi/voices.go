package httpapi

import (
	"net/http"

	"github.com/antoniostano/parley/internal/voice"
)

type listVoicesResponse struct {
	Success bool             `json:"success"`
	Data    []voice.Identity `json:"data"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listVoicesResponse{
		Success: true,
		Data:    s.catalog.All(),
	})
}
