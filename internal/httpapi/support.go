package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"repetitor/internal/auth"
)

type openTicketRequest struct {
	Problem string `json:"problem" validate:"required,max=2000"`
}

type ticketMessageRequest struct {
	Content  string `json:"content" validate:"required,max=4000"`
	Escalate bool   `json:"escalate"`
}

type ticketStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=RESOLVED CLOSED"`
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.cfg.Support.List(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ticketDTO, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, toTicketDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": out})
}

func (s *Server) handleOpenTicket(w http.ResponseWriter, r *http.Request) {
	var req openTicketRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.cfg.Support.Open(r.Context(), auth.AccountID(r.Context()), req.Problem)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTicketDTO(t))
}

func (s *Server) handleTicketMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Support.Messages(r.Context(), auth.AccountID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleTicketMessage(w http.ResponseWriter, r *http.Request) {
	var req ticketMessageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.cfg.Support.AddMessage(r.Context(), auth.AccountID(r.Context()), chi.URLParam(r, "id"), req.Content, req.Escalate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageDTO(m))
}

func (s *Server) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	var req ticketStatusRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Support.SetStatus(r.Context(), auth.AccountID(r.Context()), chi.URLParam(r, "id"), req.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": req.Status})
}
