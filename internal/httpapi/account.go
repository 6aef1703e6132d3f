package httpapi

import (
	"fmt"
	"net/http"

	"repetitor/internal/apperr"
	"repetitor/internal/auth"
	"repetitor/internal/consent"
	"repetitor/internal/storage"
)

type retentionDTO struct {
	InteractionsDays    int `json:"interactionsDays"`
	UsageDays           int `json:"usageDays"`
	SupportMessagesDays int `json:"supportMessagesDays"`
	SupportTicketsDays  int `json:"supportTicketsDays"`
}

type privacyStatusDTO struct {
	Role             string            `json:"role"`
	MonitoringStatus []consent.Monitor `json:"monitoringStatus,omitempty"`
	DataRetention    retentionDTO      `json:"dataRetention"`
	Rights           map[string]string `json:"rights"`
}

func (s *Server) handlePrivacyStatus(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	acc, err := s.cfg.Accounts.GetAccount(r.Context(), accountID)
	if err != nil {
		s.writeError(w, r, sessionAccountErr(err))
		return
	}

	days := s.cfg.RetentionDays
	if days <= 0 {
		days = 90
	}
	out := privacyStatusDTO{
		Role: acc.Role,
		DataRetention: retentionDTO{
			InteractionsDays:    days,
			UsageDays:           days,
			SupportMessagesDays: days,
			SupportTicketsDays:  2 * days,
		},
		Rights: map[string]string{
			"export": "/account/export",
			"delete": "/account",
		},
	}
	if acc.Role == storage.RoleStudent {
		monitors, err := s.cfg.Consent.MonitoringStatus(r.Context(), accountID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out.MonitoringStatus = monitors
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	exp, err := s.cfg.Accounts.ExportAccount(r.Context(), accountID)
	if err != nil {
		s.writeError(w, r, sessionAccountErr(err))
		return
	}
	now := s.now()
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="account-%s-%s.json"`, accountID, now.UTC().Format("20060102")))
	writeJSON(w, http.StatusOK, toExportDTO(exp, now))
}

// handleDeleteAccount removes the account's data and ends the current session.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if err := s.cfg.Accounts.DeleteAccount(r.Context(), accountID, s.now()); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Sessions.Revoke(r.Context(), auth.BearerToken(r)); err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("failed to revoke session after deletion")
	}
	s.logger.Info().Str("account_id", accountID).Msg("account deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sessionAccountErr treats a session whose account no longer exists as
// unauthenticated.
func sessionAccountErr(err error) error {
	if storage.IsNotFound(err) {
		return apperr.New(apperr.KindUnauthorized, err)
	}
	return err
}
