package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/issuance"
	"github.com/ivneld/Meteor-PKI/pki"
)

// caIDParam reads {caID}. On failure it writes a 404 and returns false.
func caIDParam(w http.ResponseWriter, r *http.Request) (pki.CAID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "caID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, pki.ErrCANotFound.Error())
		return 0, false
	}
	return pki.CAID(id), true
}

func keyAlgorithmParam(w http.ResponseWriter, s string) (pki.KeyAlgorithm, bool) {
	if s == "" {
		return pki.DefaultKeyAlgorithm, true
	}
	alg, err := pki.ParseKeyAlgorithm(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return alg, true
}

// CreateRootCA handles POST /pki/ca/root.
func (a *API) CreateRootCA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateCARequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	alg, ok := keyAlgorithmParam(w, req.KeyAlgorithm)
	if !ok {
		return
	}

	ca, err := a.cas.CreateRoot(r.Context(), authority.CreateRootRequest{
		Alias:        req.Alias,
		Subject:      req.subject(),
		KeyAlgorithm: alg,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.log(AuditCACreated, r,
		slog.Int64("ca_id", int64(ca.ID)),
		slog.String("alias", ca.Alias.String()),
		slog.String("type", string(ca.Type)))
	writeJSON(w, http.StatusCreated, caResponse(ca))
}

// CreateSubCA handles POST /pki/ca.
func (a *API) CreateSubCA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateCARequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	if req.ParentID <= 0 {
		writeError(w, http.StatusBadRequest, "parent_id is required")
		return
	}
	alg, ok := keyAlgorithmParam(w, req.KeyAlgorithm)
	if !ok {
		return
	}

	ca, err := a.cas.CreateSub(r.Context(), authority.CreateSubRequest{
		Alias:        req.Alias,
		Subject:      req.subject(),
		KeyAlgorithm: alg,
		ParentID:     pki.CAID(req.ParentID),
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.log(AuditCACreated, r,
		slog.Int64("ca_id", int64(ca.ID)),
		slog.Int64("parent_id", int64(ca.ParentID)),
		slog.String("alias", ca.Alias.String()),
		slog.String("type", string(ca.Type)))
	writeJSON(w, http.StatusCreated, caResponse(ca))
}

// ListCAs handles GET /pki/ca.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.cas.FindAll(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	all := make([]CAResponse, 0, len(cas))
	for _, ca := range cas {
		all = append(all, caResponse(ca))
	}
	items, meta := page(r, all)
	writeJSON(w, http.StatusOK, ListCAsResponse{CAs: items, PaginationMeta: meta})
}

// GetCA handles GET /pki/ca/{caID}.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	ca, err := a.cas.FindByID(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(ca))
}

// GetCACertificate handles GET /pki/ca/{caID}/certificate.
func (a *API) GetCACertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	ca, err := a.cas.FindByID(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ca.Alias.String()+`.pem"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ca.CertificatePEM))
}

// GetCAChain handles GET /pki/ca/{caID}/chain.
func (a *API) GetCAChain(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	chain, err := a.cas.ChainPEM(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// GetCACRL handles GET /pki/ca/{caID}/crl.
func (a *API) GetCACRL(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	crl, err := a.cas.GenerateCRL(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCRLGenerated, r, slog.Int64("ca_id", int64(id)))
	writeCRL(w, crl)
}

func writeCRL(w http.ResponseWriter, der []byte) {
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}

// RevokeCA handles POST /pki/ca/{caID}/revoke.
func (a *API) RevokeCA(w http.ResponseWriter, r *http.Request) {
	a.transitionCA(w, r, a.cas.Revoke, AuditCARevoked)
}

// ActivateCA handles POST /pki/ca/{caID}/activate.
func (a *API) ActivateCA(w http.ResponseWriter, r *http.Request) {
	a.transitionCA(w, r, a.cas.Activate, AuditCAActivated)
}

func (a *API) transitionCA(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id pki.CAID) (pki.CertificateAuthority, error), event AuditEvent) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	ca, err := fn(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(event, r,
		slog.Int64("ca_id", int64(ca.ID)),
		slog.String("status", string(ca.Status)))
	writeJSON(w, http.StatusOK, caResponse(ca))
}

// IssueCertificate handles POST /pki/ca/{caID}/certificates.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[IssueCertificateRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.CSR) == "" {
		writeError(w, http.StatusBadRequest, "csr_pem is required")
		return
	}
	if req.ValidityDays < 0 {
		writeError(w, http.StatusBadRequest, "validity_days must not be negative")
		return
	}
	csr, err := pki.ParseCertificateRequestPEM(req.CSR)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	subject, err := pki.SubjectDNFromName(csr.Subject)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	exts := pki.Extensions{}
	for _, ku := range req.KeyUsage {
		exts.KeyUsage = append(exts.KeyUsage, pki.KeyUsage(strings.ToUpper(ku)))
	}
	for _, eku := range req.ExtKeyUsage {
		exts.ExtKeyUsage = append(exts.ExtKeyUsage, pki.ExtKeyUsage(strings.ToUpper(eku)))
	}
	for _, san := range req.SANs {
		v, err := pki.ParseSAN(san.Type, san.Value)
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		exts.SANs = append(exts.SANs, v)
	}

	cert, err := a.certs.Issue(r.Context(), issuance.IssueRequest{
		Subject:      subject,
		PublicKey:    csr.PublicKey,
		Extensions:   exts,
		ValidityDays: req.ValidityDays,
	}, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.log(AuditCertIssued, r,
		slog.Int64("ca_id", int64(id)),
		slog.String("serial", cert.SerialNumber.String()),
		slog.String("subject", cert.Subject.String()))
	writeJSON(w, http.StatusCreated, certificateResponse(cert))
}

// ListCertificates handles GET /pki/ca/{caID}/certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	certs, err := a.certs.List(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	status := strings.ToUpper(r.URL.Query().Get("status"))
	all := make([]CertificateResponse, 0, len(certs))
	for _, c := range certs {
		if status != "" && string(c.Status) != status {
			continue
		}
		all = append(all, certificateResponse(c))
	}
	items, meta := page(r, all)
	writeJSON(w, http.StatusOK, ListCertificatesResponse{Certificates: items, PaginationMeta: meta})
}

// RevokeCertificate handles POST /pki/ca/{caID}/certificates/{serial}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(w, r)
	if !ok {
		return
	}
	serial, err := pki.ParseSerialNumber(chi.URLParam(r, "serial"))
	if err != nil {
		writeError(w, http.StatusNotFound, pki.ErrCertNotFound.Error())
		return
	}
	var req RevokeCertificateRequest
	if r.ContentLength != 0 {
		if req, ok = decodeJSON[RevokeCertificateRequest](w, r, maxJSONBodySize); !ok {
			return
		}
	}
	reason, err := pki.ParseRevocationReason(req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := a.certs.Revoke(r.Context(), serial, id, reason)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.log(AuditCertRevoked, r,
		slog.Int64("ca_id", int64(id)),
		slog.String("serial", serial.String()),
		slog.String("reason", reason.String()))
	writeJSON(w, http.StatusOK, certificateResponse(cert))
}

// ListAuditEntries handles GET /audit.
func (a *API) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	entries := []AuditEntry{}
	if a.audit.store != nil {
		var err error
		entries, err = listAuditEntries(r.Context(), a.audit.store, AuditEvent(r.URL.Query().Get("event")))
		if err != nil {
			a.writeInternalError(w, r, "failed to list audit entries", err)
			return
		}
	}
	items, meta := page(r, entries)
	writeJSON(w, http.StatusOK, ListAuditResponse{Entries: items, PaginationMeta: meta})
}
