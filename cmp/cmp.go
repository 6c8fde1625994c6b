// Package cmp implements the subset of the Certificate Management Protocol
// (RFC 4210) served by the CA: ir, cr, p10cr, rr and certConf requests and
// their ip, cp, rp, pkiconf and error responses.
//
// Messages are DER encoded with golang.org/x/crypto/cryptobyte. Header
// fields and bodies use the explicit tagging of the CMP ASN.1 module;
// certificate templates use the implicit tagging of CRMF (RFC 4211).
package cmp

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrParse is returned when a request is not a decodable PKIMessage.
	ErrParse = errors.New("CMP parse error")

	// ErrBadRequest is returned for a well-formed message whose content
	// cannot be served, such as a template without a public key.
	ErrBadRequest = errors.New("bad CMP request")

	// ErrProtection is returned when message protection is rejected.
	ErrProtection = errors.New("message protection rejected")

	// ErrTransactionNotFound is returned by a TransactionRepository for an
	// unknown transaction id.
	ErrTransactionNotFound = errors.New("CMP transaction not found")
)

// ContentType is the media type of DER PKIMessages over HTTP.
const ContentType = "application/pkixcmp"

// PVNO is the protocol version written into every message (cmp2000).
const PVNO = 2

// BodyType is the PKIBody CHOICE tag.
type BodyType int

const (
	BodyIR       BodyType = 0
	BodyIP       BodyType = 1
	BodyCR       BodyType = 2
	BodyCP       BodyType = 3
	BodyP10CR    BodyType = 4
	BodyRR       BodyType = 11
	BodyRP       BodyType = 12
	BodyPKIConf  BodyType = 19
	BodyError    BodyType = 23
	BodyCertConf BodyType = 24
)

var bodyNames = map[BodyType]string{
	BodyIR:       "IR",
	BodyIP:       "IP",
	BodyCR:       "CR",
	BodyCP:       "CP",
	BodyP10CR:    "P10CR",
	BodyRR:       "RR",
	BodyRP:       "RP",
	BodyPKIConf:  "PKICONF",
	BodyError:    "ERROR",
	BodyCertConf: "CERTCONF",
}

func (t BodyType) String() string {
	if name, ok := bodyNames[t]; ok {
		return name
	}
	return strconv.Itoa(int(t))
}

// MarshalText encodes the body type by name.
func (t BodyType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts a body type name or number.
func (t *BodyType) UnmarshalText(b []byte) error {
	s := string(b)
	for k, v := range bodyNames {
		if v == s {
			*t = k
			return nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("unknown CMP body type %q", s)
	}
	*t = BodyType(n)
	return nil
}

// PKIStatus is the status value of a PKIStatusInfo.
type PKIStatus int

const (
	StatusAccepted               PKIStatus = 0
	StatusGrantedWithMods        PKIStatus = 1
	StatusRejection              PKIStatus = 2
	StatusWaiting                PKIStatus = 3
	StatusRevocationWarning      PKIStatus = 4
	StatusRevocationNotification PKIStatus = 5
	StatusKeyUpdateWarning       PKIStatus = 6
)

// StatusGranted is the RFC 4210 name for accepted.
const StatusGranted = StatusAccepted

// Object identifiers used for message protection.
var (
	OIDPBMAC1           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 14}
	OIDPasswordBasedMac = asn1.ObjectIdentifier{1, 2, 840, 113533, 7, 66, 13}
	OIDSHA256WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// NullDN is a directoryName GeneralName holding an empty Name. It stands in
// for an absent sender or recipient.
var NullDN = []byte{0xa4, 0x02, 0x30, 0x00}

// GeneralName tags handled by GeneralNameString.
const (
	gnRFC822        = 1
	gnDNS           = 2
	gnDirectoryName = 4
	gnURI           = 6
	gnIPAddress     = 7
)

// DirectoryName encodes name as a directoryName GeneralName.
func DirectoryName(name pkix.Name) ([]byte, error) {
	rdn, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("encoding name: %w", err)
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.Tag(gnDirectoryName).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
		b.AddBytes(rdn)
	})
	return b.Bytes()
}

// GeneralNameString renders a raw GeneralName for logs and transaction
// records. Absent, empty and unsupported names yield "unknown".
func GeneralNameString(raw []byte) string {
	const unknown = "unknown"
	if len(raw) == 0 || bytes.Equal(raw, NullDN) {
		return unknown
	}
	in := cryptobyte.String(raw)
	var content cryptobyte.String
	var tag cbasn1.Tag
	if !in.ReadAnyASN1(&content, &tag) {
		return unknown
	}
	switch tag {
	case cbasn1.Tag(gnDirectoryName).ContextSpecific().Constructed():
		var rdn pkix.RDNSequence
		if rest, err := asn1.Unmarshal(content, &rdn); err != nil || len(rest) > 0 {
			return unknown
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdn)
		if s := name.String(); s != "" {
			return s
		}
	case cbasn1.Tag(gnRFC822).ContextSpecific(),
		cbasn1.Tag(gnDNS).ContextSpecific(),
		cbasn1.Tag(gnURI).ContextSpecific():
		if len(content) > 0 {
			return string(content)
		}
	}
	return unknown
}
