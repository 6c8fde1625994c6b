package cmp

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/ivneld/Meteor-PKI/internal/util"
	"github.com/ivneld/Meteor-PKI/internal/uuid"
)

// RequestHeader carries the client-chosen header fields of a request.
// A nil TransactionID or SenderNonce is filled with fresh random bytes.
type RequestHeader struct {
	Sender        pkix.Name
	Recipient     pkix.Name
	TransactionID []byte
	SenderNonce   []byte
	RecipNonce    []byte
}

func (h RequestHeader) build() (Header, error) {
	sender, err := DirectoryName(h.Sender)
	if err != nil {
		return Header{}, err
	}
	recipient, err := DirectoryName(h.Recipient)
	if err != nil {
		return Header{}, err
	}
	hdr := Header{
		PVNO:          PVNO,
		Sender:        sender,
		Recipient:     recipient,
		MessageTime:   time.Now().UTC(),
		TransactionID: h.TransactionID,
		SenderNonce:   h.SenderNonce,
		RecipNonce:    h.RecipNonce,
	}
	if hdr.TransactionID == nil {
		id := uuid.NewBytes()
		hdr.TransactionID = id[:]
	}
	if hdr.SenderNonce == nil {
		if hdr.SenderNonce, err = util.RandomBytes(16); err != nil {
			return Header{}, err
		}
	}
	return hdr, nil
}

func newRequest(h RequestHeader, body Body) ([]byte, error) {
	hdr, err := h.build()
	if err != nil {
		return nil, err
	}
	return Marshal(&Message{Header: hdr, Body: body})
}

// NewIR encodes an initialization request for one certificate.
func NewIR(h RequestHeader, certReqID int64, subject pkix.Name, pub crypto.PublicKey) ([]byte, error) {
	return newCertReq(h, BodyIR, certReqID, subject, pub)
}

// NewCR encodes a certification request for one certificate.
func NewCR(h RequestHeader, certReqID int64, subject pkix.Name, pub crypto.PublicKey) ([]byte, error) {
	return newCertReq(h, BodyCR, certReqID, subject, pub)
}

func newCertReq(h RequestHeader, kind BodyType, certReqID int64, subject pkix.Name, pub crypto.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("cmp: %s needs a public key", kind)
	}
	return newRequest(h, &CertReqBody{
		Kind: kind,
		Requests: []CertRequest{{
			CertReqID: certReqID,
			Template:  CertTemplate{Subject: &subject, PublicKey: pub},
		}},
	})
}

// NewP10CR wraps a DER PKCS#10 request.
func NewP10CR(h RequestHeader, csrDER []byte) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("cmp: parsing PKCS#10 request: %w", err)
	}
	return newRequest(h, &P10CRBody{CSR: csr})
}

// NewRR encodes a revocation request for serial. issuer may be nil.
func NewRR(h RequestHeader, serial *big.Int, issuer *pkix.Name) ([]byte, error) {
	if serial == nil || serial.Sign() <= 0 {
		return nil, fmt.Errorf("cmp: revocation needs a positive serial number")
	}
	return newRequest(h, &RevReqBody{
		Details: []RevDetails{{Template: CertTemplate{SerialNumber: serial, Issuer: issuer}}},
	})
}

// NewCertConf confirms certDER received under h.TransactionID.
func NewCertConf(h RequestHeader, certReqID int64, certDER []byte) ([]byte, error) {
	if h.TransactionID == nil {
		return nil, fmt.Errorf("cmp: certConf needs the transaction id of the request")
	}
	return newRequest(h, &CertConfBody{
		Statuses: []CertStatus{{
			CertHash:   CertHash(certDER),
			CertReqID:  certReqID,
			StatusInfo: &StatusInfo{Status: StatusAccepted},
		}},
	})
}

// CertHash is the certHash of a certConf for certDER.
func CertHash(certDER []byte) []byte {
	sum := sha256.Sum256(certDER)
	return sum[:]
}
