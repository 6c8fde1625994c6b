package api

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ocsp"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/cmp"
	"github.com/ivneld/Meteor-PKI/pki"
)

const ocspContentType = "application/ocsp-response"

func writeCMP(w http.ResponseWriter, status int, der []byte) {
	w.Header().Set("Content-Type", cmp.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(der)
}

// rejectCMP answers a request refused before processing with an error
// PKIMessage so CMP clients can still decode the reason.
func (a *API) rejectCMP(w http.ResponseWriter, r *http.Request, status int, text string) {
	der, err := a.cmp.RejectMessage(text)
	if err != nil {
		a.writeInternalError(w, r, "failed to build CMP error message", err)
		return
	}
	writeCMP(w, status, der)
}

// HandleCMP handles POST /pki/{caAlias}. Protocol-level failures are
// encoded in a 200 response; only undecodable requests (400) and unknown
// CAs (404) change the transport status.
func (a *API) HandleCMP(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "caAlias")
	ip := a.extractClientIP(r)

	if blocked, retryAfter := a.cmpLimiter.check(ip); blocked {
		a.audit.logFailure(AuditCMPRateLimited, r, "too many rejected requests",
			slog.String("alias", alias))
		w.Header().Set("Retry-After", retryAfterString(retryAfter))
		a.rejectCMP(w, r, http.StatusTooManyRequests, "too many rejected requests; try again later")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != cmp.ContentType {
			a.rejectCMP(w, r, http.StatusUnsupportedMediaType, "content type must be "+cmp.ContentType)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cmpMaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.rejectCMP(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.rejectCMP(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp, err := a.cmp.Process(r.Context(), body, alias)
	status := http.StatusOK
	switch {
	case err == nil:
		a.cmpLimiter.recordSuccess(ip)
		a.audit.log(AuditCMPRequest, r, slog.String("alias", alias), slog.Int("bytes", len(body)))
	case errors.Is(err, cmp.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, pki.ErrCANotFound):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}
	if err != nil {
		a.cmpLimiter.recordFailure(ip)
		a.audit.logFailure(AuditCMPRejected, r, err.Error(), slog.String("alias", alias))
	}
	if resp == nil {
		if err == nil {
			err = errors.New("empty CMP response")
		}
		a.writeInternalError(w, r, "CMP processing failed", err)
		return
	}
	writeCMP(w, status, resp)
}

// GetCRLByAlias handles GET /pki/{caAlias}/crl, the CRL distribution point
// advertised in issued certificates.
func (a *API) GetCRLByAlias(w http.ResponseWriter, r *http.Request) {
	alias, err := pki.ParseAlias(chi.URLParam(r, "caAlias"))
	if err != nil {
		writeError(w, http.StatusNotFound, pki.ErrCANotFound.Error())
		return
	}
	crl, err := a.cas.CRLForAlias(r.Context(), alias)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeCRL(w, crl)
}

// HandleOCSP handles POST /pki/{caAlias}/ocsp.
func (a *API) HandleOCSP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	if err != nil {
		writeOCSP(w, http.StatusBadRequest, ocsp.MalformedRequestErrorResponse)
		return
	}
	a.answerOCSP(w, r, body)
}

// HandleOCSPGet handles GET /pki/{caAlias}/ocsp/{request}, where request is
// the URL-escaped base64 DER request.
func (a *API) HandleOCSPGet(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "request"))
	if err != nil {
		writeOCSP(w, http.StatusBadRequest, ocsp.MalformedRequestErrorResponse)
		return
	}
	der, err := decodeBase64(raw)
	if err != nil {
		writeOCSP(w, http.StatusBadRequest, ocsp.MalformedRequestErrorResponse)
		return
	}
	a.answerOCSP(w, r, der)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if der, err := base64.StdEncoding.DecodeString(s); err == nil {
		return der, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func (a *API) answerOCSP(w http.ResponseWriter, r *http.Request, der []byte) {
	alias, err := pki.ParseAlias(chi.URLParam(r, "caAlias"))
	if err != nil {
		writeOCSP(w, http.StatusOK, ocsp.UnauthorizedErrorResponse)
		return
	}
	resp, err := a.cas.OCSP(r.Context(), alias, der)
	switch {
	case err == nil:
		writeOCSP(w, http.StatusOK, resp)
	case errors.Is(err, authority.ErrOCSPMalformed):
		writeOCSP(w, http.StatusBadRequest, ocsp.MalformedRequestErrorResponse)
	case errors.Is(err, pki.ErrCANotFound):
		writeOCSP(w, http.StatusOK, ocsp.UnauthorizedErrorResponse)
	default:
		a.logger.ErrorContext(r.Context(), "OCSP response failed",
			slog.String("alias", alias.String()),
			slog.String("error", err.Error()))
		writeOCSP(w, http.StatusInternalServerError, ocsp.InternalErrorErrorResponse)
	}
}

func writeOCSP(w http.ResponseWriter, status int, der []byte) {
	w.Header().Set("Content-Type", ocspContentType)
	w.WriteHeader(status)
	w.Write(der)
}
