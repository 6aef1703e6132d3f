package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"repetitor/internal/auth"
	"repetitor/internal/consent"
)

type linkChildRequest struct {
	ChildUserID string `json:"childUserId" validate:"required"`
	Name        string `json:"name" validate:"required,max=100"`
	Grade       int    `json:"grade" validate:"required,min=1,max=11"`
}

type consentRequest struct {
	Consent  string `json:"consent" validate:"required,oneof=approve decline"`
	ParentID string `json:"parentId" validate:"omitempty"`
}

func (s *Server) handleLinkChild(w http.ResponseWriter, r *http.Request) {
	var req linkChildRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	link, err := s.cfg.Consent.RequestLink(r.Context(), auth.AccountID(r.Context()), consent.LinkRequest{
		ChildID:   req.ChildUserID,
		ChildName: req.Name,
		Grade:     req.Grade,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"link":    toLinkDTO(link),
	})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	link, err := s.cfg.Consent.Respond(r.Context(), consent.Response{
		CallerID: auth.AccountID(r.Context()),
		ChildID:  chi.URLParam(r, "childId"),
		ParentID: req.ParentID,
		Decision: req.Consent,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"success": true, "consent": req.Consent}
	if req.Consent == consent.DecisionApprove {
		body["link"] = toLinkDTO(link)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePendingConsents(w http.ResponseWriter, r *http.Request) {
	links, err := s.cfg.Consent.Pending(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]pendingDTO, 0, len(links))
	for _, l := range links {
		out = append(out, pendingDTO{linkDTO: toLinkDTO(l.ConsentLink), ParentName: l.ParentName, ParentEmail: l.ParentEmail})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pendingRequests": out})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	act, err := s.cfg.Consent.Activity(r.Context(), auth.AccountID(r.Context()), chi.URLParam(r, "childId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	links, err := s.cfg.Consent.Children(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]linkDTO, 0, len(links))
	for _, l := range links {
		out = append(out, toLinkDTO(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": out})
}
