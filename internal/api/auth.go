package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"trendwatch/internal/credential"
	"trendwatch/internal/login"
)

type sessionResponse struct {
	SessionID string      `json:"session_id"`
	State     login.State `json:"state"`
	QRImage   string      `json:"qr_image,omitempty"`
	Message   string      `json:"message"`
}

func newSessionResponse(status login.Status) sessionResponse {
	return sessionResponse{
		SessionID: status.SessionID,
		State:     status.State,
		QRImage:   status.QRImage,
		Message:   status.Message,
	}
}

func (s Server) startSession(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Logins.Start(r.Context())
	if err != nil {
		s.tel.ReportWarning("login.start", err)
		s.writeError(w, http.StatusBadGateway, "login_failed", err.Error())
		return
	}
	res := newSessionResponse(status)
	if res.Message == "" {
		res.Message = "scan the qr code with the mobile app"
	}
	s.writeJSON(w, http.StatusOK, res)
}

const maxStatusWait = 60 * time.Second

// sessionStatus answers right away, or with ?wait=<seconds> once the session
// reached a terminal state or the wait ran out.
func (s Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		s.writeJSON(w, http.StatusOK, newSessionResponse(s.opts.Logins.Status(id)))
		return
	}

	seconds, err := strconv.Atoi(raw)
	wait := time.Duration(seconds) * time.Second
	if err != nil || wait < 0 || wait > maxStatusWait {
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("wait must be between 0 and %d seconds", int(maxStatusWait.Seconds())))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	// terminal states come back as errors, the status carries them already
	status, _ := s.opts.Logins.Wait(ctx, id)
	s.writeJSON(w, http.StatusOK, newSessionResponse(status))
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	_, err := s.opts.Logins.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, ackResponse{Success: false, Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "login session cancelled"})
}

type setCredentialRequest struct {
	Token string `json:"token" validate:"required"`
}

func (s Server) setCredential(w http.ResponseWriter, r *http.Request) {
	var req setCredentialRequest
	if !s.decode(w, r, &req) {
		return
	}
	_, err := s.opts.Credentials.Set(r.Context(), req.Token, credential.SourceManualPaste)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ackResponse{Success: false, Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "cookie saved"})
}

type credentialStatusResponse struct {
	Valid      bool       `json:"valid"`
	Preview    string     `json:"preview"`
	Source     string     `json:"source,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Message    string     `json:"message"`
}

func (s Server) credentialStatus(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.opts.Credentials.Get()
	if !ok {
		s.writeJSON(w, http.StatusOK, credentialStatusResponse{
			Valid:   false,
			Message: "no cookie configured, please log in or paste a cookie",
		})
		return
	}

	res := credentialStatusResponse{
		Valid:      cred.Valid,
		Preview:    credential.Preview(cred.Token),
		Source:     string(cred.Source),
		AcquiredAt: &cred.AcquiredAt,
		Message:    "cookie is valid",
	}
	if !cred.Valid {
		res.Message = "cookie expired, please re-login"
	}
	s.writeJSON(w, http.StatusOK, res)
}
