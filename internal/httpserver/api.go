package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"ar-collect/internal/collection"
	"ar-collect/internal/repo"
)

func (s *Server) mountAPI(mux *http.ServeMux) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireToken(h))
	}
	route("GET /api/invoices/overdue", s.handleOverdue)
	route("POST /api/follow-ups", s.handleStartFollowUps)
	route("POST /api/invoices/{id}/state", s.handleInvoiceState)
	route("POST /api/invoices/{id}/payments", s.handleRecordPayment)
	route("POST /api/invoices/{id}/call", s.handlePlaceCall)
	route("POST /api/invoices/{id}/email", s.handleSendEmail)
	route("POST /api/invoices/{id}/payment-link", s.handlePaymentLink)
	route("GET /api/invoices/{id}/run", s.handleActiveRun)
	route("GET /api/invoices/{id}/negotiation", s.handleNegotiation)
	route("GET /api/invoices/{id}/payments", s.handlePaymentStatus)
	route("GET /api/calls/{id}/transcript", s.handleTranscript)
	route("GET /api/metrics", s.handleAllMetrics)
	route("GET /api/users/{id}/metrics", s.handleUserMetrics)
	route("POST /api/runs/{id}/end", s.handleEndRun)
	route("GET /api/vendors/{id}", s.handleVendor)
	route("GET /api/vendors/{id}/can-contact", s.handleCanContact)
	route("POST /api/vendors/{id}/attempts", s.handleRecordAttempt)
	route("POST /api/vendors/{id}/follow-up", s.handleScheduleFollowUp)
	route("POST /admin/reset-weekly-attempts", s.handleResetWeeklyAttempts)
}

// requireToken enforces the operator bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.deps.APIToken)
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			s.metrics.Error("http_auth")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleOverdue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var states []repo.InvoiceState
	for _, raw := range q["state"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				states = append(states, repo.InvoiceState(st))
			}
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := s.deps.Service.GetOverdueInvoices(r.Context(), q.Get("user"), states, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"invoices": list})
}

func (s *Server) handleStartFollowUps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceIDs []string `json:"invoiceIds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	batch, err := s.deps.Service.StartFollowUps(r.Context(), body.InvoiceIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, batch)
}

func (s *Server) handleInvoiceState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State       string `json:"state"`
		PromiseDate string `json:"promiseDate"`
		Memo        string `json:"memo"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, err := s.deps.Service.UpdateInvoiceState(r.Context(), collection.StateInput{
		InvoiceID:   r.PathValue("id"),
		State:       body.State,
		PromiseDate: body.PromiseDate,
		Memo:        body.Memo,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, inv)
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AmountCents int64  `json:"amountCents"`
		Provider    string `json:"provider"`
		ProviderRef string `json:"providerRef"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Service.RecordPayment(r.Context(), collection.PaymentInput{
		InvoiceID:   r.PathValue("id"),
		AmountCents: body.AmountCents,
		Provider:    body.Provider,
		ProviderRef: body.ProviderRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Service.PlaceCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string `json:"subject"`
		Text    string `json:"text"`
		HTML    string `json:"html"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Service.SendEmail(r.Context(), collection.EmailInput{
		InvoiceID: r.PathValue("id"),
		Subject:   body.Subject,
		Text:      body.Text,
		HTML:      body.HTML,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handlePaymentLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AmountCents int64  `json:"amountCents"`
		Email       string `json:"email"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Service.SendPaymentLink(r.Context(), collection.LinkInput{
		InvoiceID:   r.PathValue("id"),
		AmountCents: body.AmountCents,
		Email:       body.Email,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Service.GetActiveRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleNegotiation(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Service.NegotiationContext(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Service.PaymentStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	lines, err := s.deps.Service.LiveTranscript(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"callId": r.PathValue("id"), "transcript": lines})
}

func (s *Server) handleAllMetrics(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Service.AllInvoiceMetrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"users": all})
}

func (s *Server) handleUserMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Service.InvoiceMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleEndRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Service.EndRun(r.Context(), r.PathValue("id"), body.Outcome); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ended"})
}

func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("attempts"))
	mem, err := s.deps.Service.GetVendorMemory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, mem)
}

func (s *Server) handleCanContact(w http.ResponseWriter, r *http.Request) {
	decision, err := s.deps.Service.CanContact(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, decision)
}

func (s *Server) handleRecordAttempt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceID     string `json:"invoiceId"`
		Channel       string `json:"channel"`
		Result        string `json:"result"`
		TranscriptRef string `json:"transcriptRef"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	attempt, err := s.deps.Service.RecordAttempt(r.Context(), collection.AttemptInput{
		VendorID:      r.PathValue("id"),
		InvoiceID:     body.InvoiceID,
		Channel:       repo.Channel(body.Channel),
		Result:        body.Result,
		TranscriptRef: body.TranscriptRef,
		CreatedBy:     "operator",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, attempt)
}

func (s *Server) handleScheduleFollowUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceID string `json:"invoiceId"`
		Date      string `json:"date"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.deps.Service.ScheduleFollowUp(r.Context(), collection.FollowUpInput{
		VendorID:    r.PathValue("id"),
		InvoiceID:   body.InvoiceID,
		Date:        body.Date,
		Reason:      body.Reason,
		ScheduledBy: "operator",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleResetWeeklyAttempts(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Service.ResetWeeklyAttempts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "reset": n})
}
