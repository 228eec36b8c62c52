package handler

import "net/http"

// serviceResponse はサービスカタログのAPIレスポンス。
type serviceResponse struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	PriceCents      int64  `json:"priceCents"`
	DurationMinutes int    `json:"durationMinutes"`
}

// ListServices は予約受付中のサービス一覧を返す。
// GET /api/services
func (h *BookingHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.service.ListServices(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]serviceResponse, len(services))
	for i, s := range services {
		resp[i] = serviceResponse{
			ID:              s.ID,
			Name:            s.Name,
			Description:     s.Description,
			PriceCents:      s.PriceCents,
			DurationMinutes: s.DurationMinutes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
