package cmp

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"
)

// Message is a decoded PKIMessage.
type Message struct {
	Header     Header
	Body       Body
	Protection asn1.BitString
	ExtraCerts [][]byte
}

// Header is a PKIHeader. Sender and Recipient are raw GeneralName DER.
// Optional fields are nil or zero when absent.
type Header struct {
	PVNO          int
	Sender        []byte
	Recipient     []byte
	MessageTime   time.Time
	ProtectionAlg *pkix.AlgorithmIdentifier
	SenderKID     []byte
	RecipKID      []byte
	TransactionID []byte
	SenderNonce   []byte
	RecipNonce    []byte
	FreeText      []string
}

// Body is one of the PKIBody alternatives below.
type Body interface {
	Type() BodyType
}

// CertReqBody is an ir or cr body (CertReqMessages).
type CertReqBody struct {
	Kind     BodyType
	Requests []CertRequest
}

// CertRequest is the certReq of a CertReqMsg. Proof of possession is not
// retained.
type CertRequest struct {
	CertReqID int64
	Template  CertTemplate
}

// CertTemplate holds the CRMF template fields the CA acts on.
type CertTemplate struct {
	SerialNumber *big.Int
	Issuer       *pkix.Name
	Subject      *pkix.Name
	PublicKey    crypto.PublicKey
	Extensions   []pkix.Extension
}

// P10CRBody carries a PKCS#10 request.
type P10CRBody struct {
	CSR *x509.CertificateRequest
}

// RevReqBody is an rr body (RevReqContent).
type RevReqBody struct {
	Details []RevDetails
}

// RevDetails names the certificate to revoke.
type RevDetails struct {
	Template        CertTemplate
	CRLEntryDetails []pkix.Extension
}

// CertConfBody is a certConf body (CertConfirmContent).
type CertConfBody struct {
	Statuses []CertStatus
}

// CertStatus confirms or rejects one issued certificate.
type CertStatus struct {
	CertHash   []byte
	CertReqID  int64
	StatusInfo *StatusInfo
}

// CertRepBody is an ip or cp body (CertRepMessage).
type CertRepBody struct {
	Kind      BodyType
	CAPubs    [][]byte
	Responses []CertResponse
}

// CertResponse answers one CertRequest. Certificate is DER and empty
// unless the request was granted.
type CertResponse struct {
	CertReqID   int64
	Status      StatusInfo
	Certificate []byte
}

// RevRepBody is an rp body (RevRepContent).
type RevRepBody struct {
	Statuses []StatusInfo
}

// PKIConfBody is the empty pkiconf body.
type PKIConfBody struct{}

// ErrorBody is an error body (ErrorMsgContent).
type ErrorBody struct {
	Status       StatusInfo
	ErrorCode    *int64
	ErrorDetails []string
}

// UnsupportedBody keeps the tag and raw content of any other body.
type UnsupportedBody struct {
	Tag     BodyType
	Content []byte
}

// StatusInfo is a PKIStatusInfo. FailInfo is the raw failure bit string.
type StatusInfo struct {
	Status       PKIStatus
	StatusString []string
	FailInfo     asn1.BitString
}

func (b *CertReqBody) Type() BodyType     { return b.Kind }
func (*P10CRBody) Type() BodyType         { return BodyP10CR }
func (*RevReqBody) Type() BodyType        { return BodyRR }
func (*CertConfBody) Type() BodyType      { return BodyCertConf }
func (b *CertRepBody) Type() BodyType     { return b.Kind }
func (*RevRepBody) Type() BodyType        { return BodyRP }
func (*PKIConfBody) Type() BodyType       { return BodyPKIConf }
func (*ErrorBody) Type() BodyType         { return BodyError }
func (b *UnsupportedBody) Type() BodyType { return b.Tag }

// IsRejection reports whether s carries the rejection status.
func (s StatusInfo) IsRejection() bool { return s.Status == StatusRejection }
