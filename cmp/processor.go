package cmp

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/ivneld/Meteor-PKI/internal/uuid"
	"github.com/ivneld/Meteor-PKI/issuance"
	"github.com/ivneld/Meteor-PKI/pki"
)

// internalErrorText is the statusString of every response to an
// unexpected failure. Details are only logged.
const internalErrorText = "Internal processing error"

// CALookup resolves the CA a request is addressed to.
type CALookup interface {
	FindByAlias(ctx context.Context, alias pki.Alias) (pki.CertificateAuthority, error)
}

// CertificateIssuer issues and revokes end-entity certificates.
type CertificateIssuer interface {
	Issue(ctx context.Context, req issuance.IssueRequest, issuerID pki.CAID) (pki.IssuedCertificate, error)
	Revoke(ctx context.Context, serial pki.SerialNumber, issuerID pki.CAID, reason pki.RevocationReason) (pki.IssuedCertificate, error)
}

// Processor serves CMP requests. It is safe for concurrent use.
type Processor struct {
	cas      CALookup
	issuer   CertificateIssuer
	txs      TransactionRepository
	builder  *MessageBuilder
	verifier ProtectionVerifier
	logger   *slog.Logger
	now      func() time.Time
	rand     io.Reader
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithVerifier sets the protection verifier. The default is AcceptAll.
func WithVerifier(v ProtectionVerifier) Option {
	return func(p *Processor) {
		if v != nil {
			p.verifier = v
		}
	}
}

// WithMessageBuilder replaces the response builder.
func WithMessageBuilder(b *MessageBuilder) Option {
	return func(p *Processor) {
		if b != nil {
			p.builder = b
		}
	}
}

// WithClock overrides time.Now for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRandom sets the nonce source.
func WithRandom(r io.Reader) Option {
	return func(p *Processor) {
		if r != nil {
			p.rand = r
		}
	}
}

// NewProcessor returns a Processor.
func NewProcessor(cas CALookup, issuer CertificateIssuer, txs TransactionRepository, opts ...Option) *Processor {
	p := &Processor{
		cas:      cas,
		issuer:   issuer,
		txs:      txs,
		verifier: AcceptAll{},
		logger:   slog.Default(),
		now:      time.Now,
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.builder == nil {
		p.builder = NewMessageBuilder(WithBuilderRandom(p.rand), WithBuilderClock(p.now))
	}
	return p
}

// exchange is the state of one request while it is being served.
type exchange struct {
	msg   *Message
	ca    pki.CertificateAuthority
	txID  pki.TransactionID
	nonce pki.Nonce
	reply Reply
}

// Process serves one DER request addressed to the CA named alias and
// returns the DER response. Protocol-level failures are answered with an
// error PKIMessage and a nil error.
//
// Two failures are returned as errors, wrapping ErrParse for an
// undecodable request and pki.ErrCANotFound for an unknown CA. The
// returned bytes are then still an error PKIMessage the transport may send
// with its failure status.
func (p *Processor) Process(ctx context.Context, raw []byte, alias string) ([]byte, error) {
	msg, err := Parse(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "undecodable CMP request",
			slog.String("alias", alias),
			slog.String("error", err.Error()))
		return p.rejectWith(Reply{}, err, err.Error(), FailBadDataFormat)
	}

	reply := Reply{Request: &msg.Header}
	ca, err := p.lookupCA(ctx, alias)
	if err != nil {
		if errors.Is(err, pki.ErrCANotFound) {
			return p.rejectWith(reply, err, err.Error(), FailWrongAuthority)
		}
		p.logger.ErrorContext(ctx, "CMP CA lookup failed",
			slog.String("alias", alias),
			slog.String("error", err.Error()))
		return p.builder.Error(reply, internalErrorText, FailSystemFailure)
	}

	if err := p.verifier.Verify(msg); err != nil {
		p.logger.WarnContext(ctx, "CMP protection rejected",
			slog.String("alias", alias),
			slog.String("error", err.Error()))
		return p.builder.Error(reply, err.Error(), FailBadMessageCheck)
	}

	nonce, err := pki.NewNonce(p.rand)
	if err != nil {
		return nil, err
	}
	ex := &exchange{
		msg:   msg,
		ca:    ca,
		txID:  transactionID(msg.Header),
		nonce: nonce,
	}
	reply.TransactionID = ex.txID[:]
	reply.SenderNonce = nonce[:]
	ex.reply = reply

	body := msg.Body.Type()
	resp, err := p.dispatch(ctx, ex)
	if err == nil {
		p.logger.InfoContext(ctx, "CMP request served",
			slog.String("alias", alias),
			slog.String("body", body.String()),
			slog.String("transaction_id", ex.txID.String()))
		return resp, nil
	}

	text, bit := p.describe(ctx, body, err)
	if recordsTransaction(body) {
		p.recordFailure(ctx, ex, text)
	}
	return p.builder.Error(reply, text, bit)
}

// RejectMessage builds an error PKIMessage for a request the transport
// refused before it reached Process.
func (p *Processor) RejectMessage(text string) ([]byte, error) {
	return p.builder.Error(Reply{}, text, FailBadRequest)
}

func (p *Processor) rejectWith(r Reply, cause error, text string, bit int) ([]byte, error) {
	resp, err := p.builder.Error(r, text, bit)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return resp, cause
}

func (p *Processor) lookupCA(ctx context.Context, alias string) (pki.CertificateAuthority, error) {
	a, err := pki.ParseAlias(alias)
	if err != nil {
		return pki.CertificateAuthority{}, fmt.Errorf("%w: %s", pki.ErrCANotFound, alias)
	}
	return p.cas.FindByAlias(ctx, a)
}

func transactionID(h Header) pki.TransactionID {
	if id, ok := pki.TransactionIDFromBytes(h.TransactionID); ok {
		return id
	}
	return pki.TransactionID(uuid.NewBytes())
}

func recordsTransaction(t BodyType) bool {
	switch t {
	case BodyIR, BodyCR, BodyP10CR, BodyRR:
		return true
	}
	return false
}

func (p *Processor) dispatch(ctx context.Context, ex *exchange) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while serving %s: %v", ex.msg.Body.Type(), r)
		}
	}()

	switch body := ex.msg.Body.(type) {
	case *CertReqBody:
		return p.certRequest(ctx, ex, body)
	case *P10CRBody:
		return p.p10Request(ctx, ex, body.CSR)
	case *RevReqBody:
		return p.revocation(ctx, ex, body)
	case *CertConfBody:
		return p.certConf(ctx, ex, body)
	default:
		text := fmt.Sprintf("Unsupported message type: %d", int(body.Type()))
		return p.builder.Error(ex.reply, text, FailBadRequest)
	}
}

// describe turns a dispatch failure into response text. Expected failures
// carry their own message; anything else is logged and masked.
func (p *Processor) describe(ctx context.Context, body BodyType, err error) (string, int) {
	switch {
	case errors.Is(err, pki.ErrCertNotFound):
		return err.Error(), FailBadCertID
	case errors.Is(err, ErrBadRequest), pki.IsDomainError(err):
		return err.Error(), FailBadRequest
	default:
		p.logger.ErrorContext(ctx, "CMP processing failed",
			slog.String("body", body.String()),
			slog.String("error", err.Error()))
		return internalErrorText, FailSystemFailure
	}
}

func (p *Processor) certRequest(ctx context.Context, ex *exchange, body *CertReqBody) ([]byte, error) {
	if len(body.Requests) == 0 {
		return nil, fmt.Errorf("%w: %s without certificate requests", ErrBadRequest, body.Kind)
	}
	req := body.Requests[0]
	tmpl := req.Template
	if tmpl.PublicKey == nil {
		return nil, fmt.Errorf("%w: no public key in certificate template", ErrBadRequest)
	}
	subject := pki.SubjectDN{CommonName: "Unknown"}
	if tmpl.Subject != nil && len(tmpl.Subject.Names) > 0 {
		dn, err := pki.SubjectDNFromName(*tmpl.Subject)
		if err != nil {
			return nil, err
		}
		subject = dn
	}
	sans, err := templateSANs(tmpl.Extensions)
	if err != nil {
		return nil, err
	}

	kind := BodyIP
	if body.Kind == BodyCR {
		kind = BodyCP
	}
	return p.issue(ctx, ex, issuance.IssueRequest{
		Subject:    subject,
		PublicKey:  tmpl.PublicKey,
		Extensions: pki.Extensions{SANs: sans},
	}, kind, req.CertReqID)
}

func (p *Processor) p10Request(ctx context.Context, ex *exchange, csr *x509.CertificateRequest) ([]byte, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: PKCS#10 signature: %v", ErrBadRequest, err)
	}
	subject, err := pki.SubjectDNFromName(csr.Subject)
	if err != nil {
		return nil, err
	}
	var sans []pki.SANValue
	for _, d := range csr.DNSNames {
		sans = append(sans, pki.DNSName(d))
	}
	for _, ip := range csr.IPAddresses {
		sans = append(sans, pki.IPAddress(ip.String()))
	}
	for _, e := range csr.EmailAddresses {
		sans = append(sans, pki.EmailAddress(e))
	}
	return p.issue(ctx, ex, issuance.IssueRequest{
		Subject:    subject,
		PublicKey:  csr.PublicKey,
		Extensions: pki.Extensions{SANs: sans},
	}, BodyCP, 0)
}

func (p *Processor) issue(ctx context.Context, ex *exchange, req issuance.IssueRequest, kind BodyType, certReqID int64) ([]byte, error) {
	txID := ex.txID
	req.TransactionID = &txID
	issued, err := p.issuer.Issue(ctx, req, ex.ca.ID)
	if err != nil {
		return nil, err
	}
	cert, err := pki.ParseCertificatePEM(issued.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("decoding issued certificate: %v", err)
	}
	var caPubs [][]byte
	if kind == BodyIP {
		if caCert, err := pki.ParseCertificatePEM(ex.ca.CertificatePEM); err == nil {
			caPubs = [][]byte{caCert.Raw}
		}
	}
	resp, err := p.builder.CertRep(ex.reply, kind, certReqID, cert.Raw, caPubs)
	if err != nil {
		return nil, err
	}
	serial := issued.SerialNumber
	if err := p.recordSuccess(ctx, ex, &serial); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Processor) revocation(ctx context.Context, ex *exchange, body *RevReqBody) ([]byte, error) {
	if len(body.Details) == 0 || body.Details[0].Template.SerialNumber == nil {
		return nil, fmt.Errorf("%w: no serial number in revocation details", ErrBadRequest)
	}
	n := body.Details[0].Template.SerialNumber
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: serial number must be positive", ErrBadRequest)
	}
	serial := pki.SerialFromBigInt(n)
	// Reason codes in crlEntryDetails are not read.
	if _, err := p.issuer.Revoke(ctx, serial, ex.ca.ID, pki.ReasonUnspecified); err != nil {
		return nil, err
	}
	resp, err := p.builder.RevRep(ex.reply)
	if err != nil {
		return nil, err
	}
	if err := p.recordSuccess(ctx, ex, &serial); err != nil {
		return nil, err
	}
	return resp, nil
}

// certConf completes the transaction named by the header, if known, and
// always answers with pkiconf.
func (p *Processor) certConf(ctx context.Context, ex *exchange, body *CertConfBody) ([]byte, error) {
	if id, ok := pki.TransactionIDFromBytes(ex.msg.Header.TransactionID); ok {
		tx, err := p.txs.FindByID(ctx, id)
		switch {
		case err == nil:
			now := p.now()
			next := tx.Complete(now)
			if rejectsCertificate(body) {
				next = tx.Fail("certificate rejected by requester", now)
			}
			if err := p.txs.Save(ctx, next); err != nil {
				return nil, fmt.Errorf("saving transaction %s: %w", id, err)
			}
			p.logger.InfoContext(ctx, "CMP transaction confirmed",
				slog.String("transaction_id", id.String()),
				slog.String("status", string(next.Status)))
		case errors.Is(err, ErrTransactionNotFound):
			p.logger.DebugContext(ctx, "certConf for unknown transaction",
				slog.String("transaction_id", id.String()))
		default:
			return nil, err
		}
	}
	return p.builder.PKIConf(ex.reply)
}

func rejectsCertificate(body *CertConfBody) bool {
	for _, s := range body.Statuses {
		if s.StatusInfo != nil && s.StatusInfo.IsRejection() {
			return true
		}
	}
	return false
}

func (p *Processor) newTransaction(ex *exchange) Transaction {
	senderNonce, ok := pki.NonceFromBytes(ex.msg.Header.SenderNonce)
	if !ok {
		senderNonce, _ = pki.NewNonce(p.rand)
	}
	return NewTransaction(ex.txID, ex.ca.ID, GeneralNameString(ex.msg.Header.Sender),
		senderNonce, ex.msg.Body.Type(), p.now())
}

func (p *Processor) recordSuccess(ctx context.Context, ex *exchange, serial *pki.SerialNumber) error {
	tx := p.newTransaction(ex)
	tx.CertificateSerial = serial
	tx = tx.AwaitConfirm(ex.nonce, p.now())
	if err := p.txs.Save(ctx, tx); err != nil {
		return fmt.Errorf("saving transaction %s: %w", ex.txID, err)
	}
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, ex *exchange, reason string) {
	tx := p.newTransaction(ex).Fail(reason, p.now())
	if err := p.txs.Save(ctx, tx); err != nil {
		p.logger.ErrorContext(ctx, "saving failed CMP transaction",
			slog.String("transaction_id", ex.txID.String()),
			slog.String("error", err.Error()))
	}
}

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// templateSANs reads DNS, IP and email entries of a subjectAltName
// template extension. Other name forms are ignored.
func templateSANs(exts []pkix.Extension) ([]pki.SANValue, error) {
	for _, ext := range exts {
		if !ext.Id.Equal(oidSubjectAltName) {
			continue
		}
		in := cryptobyte.String(ext.Value)
		var seq cryptobyte.String
		if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: malformed subjectAltName", ErrBadRequest)
		}
		var sans []pki.SANValue
		for !seq.Empty() {
			var v cryptobyte.String
			var tag cbasn1.Tag
			if !seq.ReadAnyASN1(&v, &tag) {
				return nil, fmt.Errorf("%w: malformed subjectAltName", ErrBadRequest)
			}
			switch tag {
			case ptag(gnRFC822):
				sans = append(sans, pki.EmailAddress(string(v)))
			case ptag(gnDNS):
				sans = append(sans, pki.DNSName(string(v)))
			case ptag(gnIPAddress):
				sans = append(sans, pki.IPAddress(net.IP(v).String()))
			}
		}
		return sans, nil
	}
	return nil, nil
}
