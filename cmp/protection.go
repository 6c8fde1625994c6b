package cmp

import (
	"encoding/asn1"
	"fmt"
)

// ProtectionVerifier decides whether a request's protection is acceptable.
// Neither implementation here computes a MAC or checks a signature; the
// interface is where a cryptographic verifier plugs in.
type ProtectionVerifier interface {
	Verify(msg *Message) error
}

// AcceptAll performs no verification.
type AcceptAll struct{}

func (AcceptAll) Verify(*Message) error { return nil }

// StructuralVerifier requires a protected message and checks that its
// protection algorithm is one the CA knows. MAC-based protection further
// requires a configured shared secret.
type StructuralVerifier struct {
	SharedSecret string
}

var signatureProtection = []asn1.ObjectIdentifier{
	OIDSHA256WithRSA,
	OIDSHA384WithRSA,
	OIDSHA512WithRSA,
	OIDECDSAWithSHA256,
	OIDECDSAWithSHA384,
	OIDECDSAWithSHA512,
}

func (v StructuralVerifier) Verify(msg *Message) error {
	alg := msg.Header.ProtectionAlg
	if alg == nil {
		return fmt.Errorf("%w: no protection algorithm", ErrProtection)
	}
	if len(msg.Protection.Bytes) == 0 {
		return fmt.Errorf("%w: no protection value", ErrProtection)
	}
	switch {
	case alg.Algorithm.Equal(OIDPBMAC1), alg.Algorithm.Equal(OIDPasswordBasedMac):
		if v.SharedSecret == "" {
			return fmt.Errorf("%w: shared secret required for MAC-based protection", ErrProtection)
		}
		return nil
	}
	for _, oid := range signatureProtection {
		if alg.Algorithm.Equal(oid) {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported protection algorithm %s", ErrProtection, alg.Algorithm)
}
