package webhook

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/securebridge/dicom-bridge/pkg/auth"
	"github.com/securebridge/dicom-bridge/pkg/certs"
)

// RenewResponse summarizes one renewal for the admin API
type RenewResponse struct {
	Name     string `json:"name"`
	Renewed  bool   `json:"renewed"`
	Status   string `json:"status,omitempty"`
	NotAfter string `json:"notAfter,omitempty"`
	Error    string `json:"error,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

func (s *Server) handleAdminCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Certificates == nil {
		writeError(w, http.StatusNotFound, "certificates_not_configured")
		return
	}
	results := s.opts.Certificates.Check(r.Context())
	s.audit(r.Context(), "admin.certificates_check", map[string]interface{}{
		"subject":      auth.AdminSubject(r.Context()),
		"certificates": len(results),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"certificates": results})
}

func (s *Server) handleAdminRenewAll(w http.ResponseWriter, r *http.Request) {
	if s.opts.Certificates == nil {
		writeError(w, http.StatusNotFound, "certificates_not_configured")
		return
	}
	force := forceParam(r)
	results, err := s.opts.Certificates.RenewAll(r.Context(), force)

	renewed := 0
	body := make([]RenewResponse, 0, len(results))
	for _, res := range results {
		if res.Renewed {
			renewed++
		}
		body = append(body, renewResponse(res))
	}
	details := map[string]interface{}{
		"subject": auth.AdminSubject(r.Context()),
		"force":   force,
		"renewed": renewed,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	s.audit(r.Context(), "admin.certificates_renew", details)

	status := http.StatusOK
	resp := map[string]interface{}{"results": body}
	if err != nil {
		status = http.StatusInternalServerError
		resp["error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAdminRenew(w http.ResponseWriter, r *http.Request) {
	if s.opts.Certificates == nil {
		writeError(w, http.StatusNotFound, "certificates_not_configured")
		return
	}
	name := mux.Vars(r)["name"]
	force := forceParam(r)
	res, err := s.opts.Certificates.Renew(r.Context(), name, force)

	details := map[string]interface{}{
		"subject":     auth.AdminSubject(r.Context()),
		"certificate": name,
		"force":       force,
	}
	if err != nil {
		details["error"] = err.Error()
	} else {
		details["renewed"] = res.Renewed
	}
	s.audit(r.Context(), "admin.certificate_renew", details)

	var rerr *certs.RenewalError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, renewResponse(res))
	case errors.Is(err, certs.ErrUnknownCertificate):
		writeError(w, http.StatusNotFound, "unknown_certificate")
	case errors.Is(err, certs.ErrRenewalInProgress):
		writeError(w, http.StatusConflict, "renewal_in_progress")
	case errors.As(err, &rerr):
		writeJSON(w, http.StatusInternalServerError, RenewResponse{
			Name:  name,
			Error: "renewal_failed",
			Stage: rerr.Stage,
		})
	default:
		writeError(w, http.StatusInternalServerError, "renewal_failed")
	}
}

func (s *Server) handleAdminSecretsRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opts.Secrets == nil {
		writeError(w, http.StatusNotFound, "secrets_not_configured")
		return
	}
	cleared := s.opts.Secrets.Refresh(r.Context())
	s.audit(r.Context(), "admin.secrets_refresh", map[string]interface{}{
		"subject": auth.AdminSubject(r.Context()),
		"cleared": cleared,
	})
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func forceParam(r *http.Request) bool {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	return force
}

func renewResponse(res *certs.RenewResult) RenewResponse {
	out := RenewResponse{Name: res.Name, Renewed: res.Renewed}
	if res.Certificate != nil {
		out.Status = string(res.Certificate.Status)
		if !res.Certificate.NotAfter.IsZero() {
			out.NotAfter = res.Certificate.NotAfter.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return out
}
