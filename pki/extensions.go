package pki

import (
	"crypto/x509"
	"fmt"
	"net"
	"net/mail"
	"strings"

	"golang.org/x/crypto/ocsp"
)

// KeyUsage is a named X.509 key usage bit.
type KeyUsage string

const (
	KeyUsageDigitalSignature KeyUsage = "DIGITAL_SIGNATURE"
	KeyUsageNonRepudiation   KeyUsage = "NON_REPUDIATION"
	KeyUsageKeyEncipherment  KeyUsage = "KEY_ENCIPHERMENT"
	KeyUsageDataEncipherment KeyUsage = "DATA_ENCIPHERMENT"
	KeyUsageKeyAgreement     KeyUsage = "KEY_AGREEMENT"
	KeyUsageKeyCertSign      KeyUsage = "KEY_CERT_SIGN"
	KeyUsageCRLSign          KeyUsage = "CRL_SIGN"
)

var keyUsageBits = map[KeyUsage]x509.KeyUsage{
	KeyUsageDigitalSignature: x509.KeyUsageDigitalSignature,
	KeyUsageNonRepudiation:   x509.KeyUsageContentCommitment,
	KeyUsageKeyEncipherment:  x509.KeyUsageKeyEncipherment,
	KeyUsageDataEncipherment: x509.KeyUsageDataEncipherment,
	KeyUsageKeyAgreement:     x509.KeyUsageKeyAgreement,
	KeyUsageKeyCertSign:      x509.KeyUsageCertSign,
	KeyUsageCRLSign:          x509.KeyUsageCRLSign,
}

// ExtKeyUsage is a named extended key usage purpose.
type ExtKeyUsage string

const (
	ExtKeyUsageServerAuth      ExtKeyUsage = "SERVER_AUTH"
	ExtKeyUsageClientAuth      ExtKeyUsage = "CLIENT_AUTH"
	ExtKeyUsageCodeSigning     ExtKeyUsage = "CODE_SIGNING"
	ExtKeyUsageEmailProtection ExtKeyUsage = "EMAIL_PROTECTION"
	ExtKeyUsageTimeStamping    ExtKeyUsage = "TIME_STAMPING"
	ExtKeyUsageOCSPSigning     ExtKeyUsage = "OCSP_SIGNING"
)

var extKeyUsageValues = map[ExtKeyUsage]x509.ExtKeyUsage{
	ExtKeyUsageServerAuth:      x509.ExtKeyUsageServerAuth,
	ExtKeyUsageClientAuth:      x509.ExtKeyUsageClientAuth,
	ExtKeyUsageCodeSigning:     x509.ExtKeyUsageCodeSigning,
	ExtKeyUsageEmailProtection: x509.ExtKeyUsageEmailProtection,
	ExtKeyUsageTimeStamping:    x509.ExtKeyUsageTimeStamping,
	ExtKeyUsageOCSPSigning:     x509.ExtKeyUsageOCSPSigning,
}

// ---------------------------------------------------------------------------
// Subject alternative names
// ---------------------------------------------------------------------------

// SANValue is one subject alternative name. The set of variants is closed:
// DNSName, IPAddress and EmailAddress.
type SANValue interface {
	Validate() error
	String() string
	sanValue()
}

// DNSName is a dNSName SAN.
type DNSName string

// IPAddress is an iPAddress SAN in textual form.
type IPAddress string

// EmailAddress is an rfc822Name SAN.
type EmailAddress string

func (DNSName) sanValue()      {}
func (IPAddress) sanValue()    {}
func (EmailAddress) sanValue() {}

func (d DNSName) String() string      { return string(d) }
func (i IPAddress) String() string    { return string(i) }
func (e EmailAddress) String() string { return string(e) }

// Validate accepts LDH labels and a single leading wildcard label.
func (d DNSName) Validate() error {
	name := strings.TrimSuffix(string(d), ".")
	if name == "" || len(name) > 253 {
		return fmt.Errorf("%w: DNS name %q", ErrInvalidExtension, string(d))
	}
	for i, label := range strings.Split(name, ".") {
		if label == "*" && i == 0 {
			continue
		}
		if !validLabel(label) {
			return fmt.Errorf("%w: DNS name %q", ErrInvalidExtension, string(d))
		}
	}
	return nil
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		if !(c == '-' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')) {
			return false
		}
	}
	return true
}

// Validate requires a literal IPv4 or IPv6 address.
func (i IPAddress) Validate() error {
	if net.ParseIP(string(i)) == nil {
		return fmt.Errorf("%w: IP address %q", ErrInvalidExtension, string(i))
	}
	return nil
}

// Validate requires a bare addr-spec without display name.
func (e EmailAddress) Validate() error {
	addr, err := mail.ParseAddress(string(e))
	if err != nil || addr.Address != string(e) {
		return fmt.Errorf("%w: email address %q", ErrInvalidExtension, string(e))
	}
	return nil
}

// ParseSAN builds a SAN value from a type tag ("DNS", "IP" or "EMAIL").
func ParseSAN(kind, value string) (SANValue, error) {
	var v SANValue
	switch strings.ToUpper(kind) {
	case "DNS":
		v = DNSName(value)
	case "IP":
		v = IPAddress(value)
	case "EMAIL", "RFC822":
		v = EmailAddress(value)
	default:
		return nil, fmt.Errorf("%w: unknown SAN type %q", ErrInvalidExtension, kind)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Extension set
// ---------------------------------------------------------------------------

// Extensions are the optional end-entity extensions. Empty fields are left
// out of the certificate.
type Extensions struct {
	KeyUsage    []KeyUsage    `json:"key_usage,omitempty"`
	ExtKeyUsage []ExtKeyUsage `json:"ext_key_usage,omitempty"`
	SANs        []SANValue    `json:"-"`
}

// Validate checks every member of the set.
func (e Extensions) Validate() error {
	for _, ku := range e.KeyUsage {
		if _, ok := keyUsageBits[ku]; !ok {
			return fmt.Errorf("%w: key usage %q", ErrInvalidExtension, string(ku))
		}
	}
	for _, eku := range e.ExtKeyUsage {
		if _, ok := extKeyUsageValues[eku]; !ok {
			return fmt.Errorf("%w: extended key usage %q", ErrInvalidExtension, string(eku))
		}
	}
	for _, san := range e.SANs {
		if san == nil {
			return fmt.Errorf("%w: nil SAN", ErrInvalidExtension)
		}
		if err := san.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (e Extensions) apply(tmpl *x509.Certificate) {
	for _, ku := range e.KeyUsage {
		tmpl.KeyUsage |= keyUsageBits[ku]
	}
	for _, eku := range e.ExtKeyUsage {
		tmpl.ExtKeyUsage = append(tmpl.ExtKeyUsage, extKeyUsageValues[eku])
	}
	for _, san := range e.SANs {
		switch v := san.(type) {
		case DNSName:
			tmpl.DNSNames = append(tmpl.DNSNames, string(v))
		case IPAddress:
			tmpl.IPAddresses = append(tmpl.IPAddresses, net.ParseIP(string(v)))
		case EmailAddress:
			tmpl.EmailAddresses = append(tmpl.EmailAddresses, string(v))
		}
	}
}

// ---------------------------------------------------------------------------
// Revocation reasons
// ---------------------------------------------------------------------------

// RevocationReason is a CRLReason code.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = ocsp.Unspecified
	ReasonKeyCompromise        RevocationReason = ocsp.KeyCompromise
	ReasonCACompromise         RevocationReason = ocsp.CACompromise
	ReasonAffiliationChanged   RevocationReason = ocsp.AffiliationChanged
	ReasonSuperseded           RevocationReason = ocsp.Superseded
	ReasonCessationOfOperation RevocationReason = ocsp.CessationOfOperation
	ReasonCertificateHold      RevocationReason = ocsp.CertificateHold
	ReasonRemoveFromCRL        RevocationReason = ocsp.RemoveFromCRL
	ReasonPrivilegeWithdrawn   RevocationReason = ocsp.PrivilegeWithdrawn
	ReasonAACompromise         RevocationReason = ocsp.AACompromise
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "UNSPECIFIED",
	ReasonKeyCompromise:        "KEY_COMPROMISE",
	ReasonCACompromise:         "CA_COMPROMISE",
	ReasonAffiliationChanged:   "AFFILIATION_CHANGED",
	ReasonSuperseded:           "SUPERSEDED",
	ReasonCessationOfOperation: "CESSATION_OF_OPERATION",
	ReasonCertificateHold:      "CERTIFICATE_HOLD",
	ReasonRemoveFromCRL:        "REMOVE_FROM_CRL",
	ReasonPrivilegeWithdrawn:   "PRIVILEGE_WITHDRAWN",
	ReasonAACompromise:         "AA_COMPROMISE",
}

// ParseRevocationReason accepts a reason name. Empty means unspecified.
func ParseRevocationReason(s string) (RevocationReason, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ReasonUnspecified, nil
	}
	for r, name := range reasonNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown revocation reason %q", s)
}

func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REASON(%d)", int(r))
}
