package cmp

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Failure bits of PKIFailureInfo.
const (
	FailBadAlg          = 0
	FailBadMessageCheck = 1
	FailBadRequest      = 2
	FailBadCertID       = 4
	FailBadDataFormat   = 5
	FailWrongAuthority  = 6
	FailBadPOP          = 9
	FailSystemFailure   = 25
)

// FailureInfo returns a PKIFailureInfo with the given bits set.
func FailureInfo(bits ...int) asn1.BitString {
	var bs asn1.BitString
	for _, bit := range bits {
		for len(bs.Bytes) <= bit/8 {
			bs.Bytes = append(bs.Bytes, 0)
		}
		bs.Bytes[bit/8] |= 0x80 >> uint(bit%8)
		if bit+1 > bs.BitLength {
			bs.BitLength = bit + 1
		}
	}
	return bs
}

// ctag is a constructed context-specific tag: every explicit tag and the
// implicit tags of constructed CRMF fields. ptag is its primitive form.
func ctag(n int) cbasn1.Tag { return cbasn1.Tag(n).ContextSpecific().Constructed() }
func ptag(n int) cbasn1.Tag { return cbasn1.Tag(n).ContextSpecific() }

func parseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Parse decodes a DER PKIMessage. Every failure wraps ErrParse.
func Parse(der []byte) (*Message, error) {
	input := cryptobyte.String(der)
	var msg cryptobyte.String
	if !input.ReadASN1(&msg, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, parseError("malformed PKIMessage")
	}
	hdr, err := parseHeader(&msg)
	if err != nil {
		return nil, err
	}

	var content cryptobyte.String
	var tag cbasn1.Tag
	if !msg.ReadAnyASN1(&content, &tag) || uint8(tag)&0xe0 != 0xa0 {
		return nil, parseError("malformed PKIBody")
	}
	body, err := parseBody(BodyType(uint8(tag)&0x1f), content)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: hdr, Body: body}

	var field cryptobyte.String
	var present bool
	if !msg.ReadOptionalASN1(&field, &present, ctag(0)) {
		return nil, parseError("malformed protection")
	}
	if present {
		if !field.ReadASN1BitString(&m.Protection) || !field.Empty() {
			return nil, parseError("malformed protection")
		}
		m.Protection.Bytes = bytes.Clone(m.Protection.Bytes)
	}
	if !msg.ReadOptionalASN1(&field, &present, ctag(1)) {
		return nil, parseError("malformed extraCerts")
	}
	if present {
		if m.ExtraCerts, err = readCertSequence(field); err != nil {
			return nil, err
		}
	}
	if !msg.Empty() {
		return nil, parseError("trailing data in PKIMessage")
	}
	return m, nil
}

func parseHeader(msg *cryptobyte.String) (Header, error) {
	var h cryptobyte.String
	if !msg.ReadASN1(&h, cbasn1.SEQUENCE) {
		return Header{}, parseError("malformed PKIHeader")
	}
	var hdr Header
	var pvno int64
	if !h.ReadASN1Integer(&pvno) {
		return Header{}, parseError("malformed pvno")
	}
	hdr.PVNO = int(pvno)

	var sender, recipient cryptobyte.String
	var tag cbasn1.Tag
	if !h.ReadAnyASN1Element(&sender, &tag) || !h.ReadAnyASN1Element(&recipient, &tag) {
		return Header{}, parseError("malformed sender or recipient")
	}
	hdr.Sender = bytes.Clone(sender)
	hdr.Recipient = bytes.Clone(recipient)

	var field cryptobyte.String
	var present bool
	if !h.ReadOptionalASN1(&field, &present, ctag(0)) {
		return Header{}, parseError("malformed messageTime")
	}
	if present {
		t, err := readGeneralizedTime(field)
		if err != nil {
			return Header{}, err
		}
		hdr.MessageTime = t
	}

	if !h.ReadOptionalASN1(&field, &present, ctag(1)) {
		return Header{}, parseError("malformed protectionAlg")
	}
	if present {
		alg, err := readAlgorithmIdentifier(field)
		if err != nil {
			return Header{}, err
		}
		hdr.ProtectionAlg = &alg
	}

	for i, out := range []*[]byte{&hdr.SenderKID, &hdr.RecipKID, &hdr.TransactionID, &hdr.SenderNonce, &hdr.RecipNonce} {
		if !h.ReadOptionalASN1OctetString(out, nil, ctag(2+i)) {
			return Header{}, parseError("malformed header field [%d]", 2+i)
		}
		*out = bytes.Clone(*out)
	}

	if !h.ReadOptionalASN1(&field, &present, ctag(7)) {
		return Header{}, parseError("malformed freeText")
	}
	if present {
		var seq cryptobyte.String
		if !field.ReadASN1(&seq, cbasn1.SEQUENCE) {
			return Header{}, parseError("malformed freeText")
		}
		text, err := readFreeText(seq)
		if err != nil {
			return Header{}, err
		}
		hdr.FreeText = text
	}
	if !h.SkipOptionalASN1(ctag(8)) || !h.Empty() {
		return Header{}, parseError("malformed PKIHeader")
	}
	return hdr, nil
}

func readGeneralizedTime(s cryptobyte.String) (time.Time, error) {
	var raw cryptobyte.String
	if !s.ReadASN1(&raw, cbasn1.GeneralizedTime) || !s.Empty() {
		return time.Time{}, parseError("malformed messageTime")
	}
	for _, layout := range []string{"20060102150405Z0700", "20060102150405.999999999Z0700"} {
		if t, err := time.Parse(layout, string(raw)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, parseError("malformed messageTime %q", string(raw))
}

func readAlgorithmIdentifier(s cryptobyte.String) (pkix.AlgorithmIdentifier, error) {
	var seq cryptobyte.String
	var alg pkix.AlgorithmIdentifier
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&alg.Algorithm) {
		return alg, parseError("malformed AlgorithmIdentifier")
	}
	if len(seq) > 0 {
		alg.Parameters = asn1.RawValue{FullBytes: bytes.Clone(seq)}
	}
	return alg, nil
}

func readFreeText(seq cryptobyte.String) ([]string, error) {
	var out []string
	for !seq.Empty() {
		var str cryptobyte.String
		if !seq.ReadASN1(&str, cbasn1.UTF8String) {
			return nil, parseError("malformed PKIFreeText")
		}
		out = append(out, string(str))
	}
	return out, nil
}

func readCertSequence(s cryptobyte.String) ([][]byte, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return nil, parseError("malformed certificate sequence")
	}
	var certs [][]byte
	for !seq.Empty() {
		var cert cryptobyte.String
		if !seq.ReadASN1Element(&cert, cbasn1.SEQUENCE) {
			return nil, parseError("malformed certificate")
		}
		certs = append(certs, bytes.Clone(cert))
	}
	return certs, nil
}

func parseBody(t BodyType, content cryptobyte.String) (Body, error) {
	switch t {
	case BodyIR, BodyCR:
		reqs, err := parseCertReqMessages(content)
		if err != nil {
			return nil, err
		}
		return &CertReqBody{Kind: t, Requests: reqs}, nil
	case BodyP10CR:
		var csr cryptobyte.String
		if !content.ReadASN1Element(&csr, cbasn1.SEQUENCE) || !content.Empty() {
			return nil, parseError("malformed p10cr")
		}
		req, err := x509.ParseCertificateRequest(csr)
		if err != nil {
			return nil, parseError("p10cr: %v", err)
		}
		return &P10CRBody{CSR: req}, nil
	case BodyRR:
		return parseRevReq(content)
	case BodyCertConf:
		return parseCertConf(content)
	case BodyIP, BodyCP:
		return parseCertRep(t, content)
	case BodyRP:
		return parseRevRep(content)
	case BodyPKIConf:
		var null cryptobyte.String
		if !content.Empty() && (!content.ReadASN1(&null, cbasn1.NULL) || !content.Empty()) {
			return nil, parseError("malformed pkiconf")
		}
		return &PKIConfBody{}, nil
	case BodyError:
		return parseErrorMsg(content)
	default:
		return &UnsupportedBody{Tag: t, Content: bytes.Clone(content)}, nil
	}
}

func parseCertReqMessages(s cryptobyte.String) ([]CertRequest, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return nil, parseError("malformed CertReqMessages")
	}
	var reqs []CertRequest
	for !seq.Empty() {
		var msg, req, tmpl cryptobyte.String
		var cr CertRequest
		if !seq.ReadASN1(&msg, cbasn1.SEQUENCE) ||
			!msg.ReadASN1(&req, cbasn1.SEQUENCE) ||
			!req.ReadASN1Integer(&cr.CertReqID) ||
			!req.ReadASN1(&tmpl, cbasn1.SEQUENCE) {
			return nil, parseError("malformed CertReqMsg")
		}
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		cr.Template = t
		reqs = append(reqs, cr)
	}
	return reqs, nil
}

// parseTemplate decodes the CertTemplate fields the CA uses and skips the
// rest.
func parseTemplate(s cryptobyte.String) (CertTemplate, error) {
	var t CertTemplate
	for !s.Empty() {
		var field cryptobyte.String
		var tag cbasn1.Tag
		if !s.ReadAnyASN1(&field, &tag) {
			return CertTemplate{}, parseError("malformed CertTemplate")
		}
		switch tag {
		case ptag(1):
			n, err := readImplicitInteger(field)
			if err != nil {
				return CertTemplate{}, err
			}
			t.SerialNumber = n
		case ctag(3):
			name, err := readName(field)
			if err != nil {
				return CertTemplate{}, err
			}
			t.Issuer = &name
		case ctag(5):
			name, err := readName(field)
			if err != nil {
				return CertTemplate{}, err
			}
			t.Subject = &name
		case ctag(6):
			pub, err := x509.ParsePKIXPublicKey(wrap(cbasn1.SEQUENCE, field))
			if err != nil {
				return CertTemplate{}, parseError("template public key: %v", err)
			}
			t.PublicKey = pub
		case ctag(9):
			exts, err := readExtensions(wrap(cbasn1.SEQUENCE, field))
			if err != nil {
				return CertTemplate{}, err
			}
			t.Extensions = exts
		}
	}
	return t, nil
}

// wrap restores the outer element of an implicitly tagged value.
func wrap(tag cbasn1.Tag, content []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(tag, func(b *cryptobyte.Builder) { b.AddBytes(content) })
	return b.BytesOrPanic()
}

func readImplicitInteger(content []byte) (*big.Int, error) {
	s := cryptobyte.String(wrap(cbasn1.INTEGER, content))
	n := new(big.Int)
	if !s.ReadASN1Integer(n) {
		return nil, parseError("malformed serialNumber")
	}
	return n, nil
}

func readName(der []byte) (pkix.Name, error) {
	var rdn pkix.RDNSequence
	rest, err := asn1.Unmarshal(der, &rdn)
	if err != nil || len(rest) > 0 {
		return pkix.Name{}, parseError("malformed Name")
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, nil
}

func readExtensions(der []byte) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	rest, err := asn1.Unmarshal(der, &exts)
	if err != nil || len(rest) > 0 {
		return nil, parseError("malformed Extensions")
	}
	return exts, nil
}

func parseRevReq(s cryptobyte.String) (*RevReqBody, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return nil, parseError("malformed RevReqContent")
	}
	body := &RevReqBody{}
	for !seq.Empty() {
		var rd, tmpl cryptobyte.String
		if !seq.ReadASN1(&rd, cbasn1.SEQUENCE) || !rd.ReadASN1(&tmpl, cbasn1.SEQUENCE) {
			return nil, parseError("malformed RevDetails")
		}
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		details := RevDetails{Template: t}
		if !rd.Empty() {
			var ext cryptobyte.String
			if !rd.ReadASN1Element(&ext, cbasn1.SEQUENCE) {
				return nil, parseError("malformed crlEntryDetails")
			}
			if details.CRLEntryDetails, err = readExtensions(ext); err != nil {
				return nil, err
			}
		}
		body.Details = append(body.Details, details)
	}
	return body, nil
}

func parseCertConf(s cryptobyte.String) (*CertConfBody, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return nil, parseError("malformed CertConfirmContent")
	}
	body := &CertConfBody{}
	for !seq.Empty() {
		var cs cryptobyte.String
		var status CertStatus
		var hash []byte
		if !seq.ReadASN1(&cs, cbasn1.SEQUENCE) ||
			!cs.ReadASN1Bytes(&hash, cbasn1.OCTET_STRING) ||
			!cs.ReadASN1Integer(&status.CertReqID) {
			return nil, parseError("malformed CertStatus")
		}
		status.CertHash = bytes.Clone(hash)
		if cs.PeekASN1Tag(cbasn1.SEQUENCE) {
			info, err := readStatusInfo(&cs)
			if err != nil {
				return nil, err
			}
			status.StatusInfo = &info
		}
		body.Statuses = append(body.Statuses, status)
	}
	return body, nil
}

func readStatusInfo(s *cryptobyte.String) (StatusInfo, error) {
	var seq cryptobyte.String
	var status int64
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1Integer(&status) {
		return StatusInfo{}, parseError("malformed PKIStatusInfo")
	}
	info := StatusInfo{Status: PKIStatus(status)}
	if seq.PeekASN1Tag(cbasn1.SEQUENCE) {
		var text cryptobyte.String
		seq.ReadASN1(&text, cbasn1.SEQUENCE)
		strs, err := readFreeText(text)
		if err != nil {
			return StatusInfo{}, err
		}
		info.StatusString = strs
	}
	if seq.PeekASN1Tag(cbasn1.BIT_STRING) {
		if !seq.ReadASN1BitString(&info.FailInfo) {
			return StatusInfo{}, parseError("malformed PKIFailureInfo")
		}
		info.FailInfo.Bytes = bytes.Clone(info.FailInfo.Bytes)
	}
	if !seq.Empty() {
		return StatusInfo{}, parseError("malformed PKIStatusInfo")
	}
	return info, nil
}

func parseCertRep(kind BodyType, s cryptobyte.String) (*CertRepBody, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return nil, parseError("malformed CertRepMessage")
	}
	body := &CertRepBody{Kind: kind}
	var field cryptobyte.String
	var present bool
	if !seq.ReadOptionalASN1(&field, &present, ctag(1)) {
		return nil, parseError("malformed caPubs")
	}
	if present {
		certs, err := readCertSequence(field)
		if err != nil {
			return nil, err
		}
		body.CAPubs = certs
	}

	var responses cryptobyte.String
	if !seq.ReadASN1(&responses, cbasn1.SEQUENCE) {
		return nil, parseError("malformed CertRepMessage")
	}
	for !responses.Empty() {
		var cr cryptobyte.String
		var resp CertResponse
		if !responses.ReadASN1(&cr, cbasn1.SEQUENCE) || !cr.ReadASN1Integer(&resp.CertReqID) {
			return nil, parseError("malformed CertResponse")
		}
		info, err := readStatusInfo(&cr)
		if err != nil {
			return nil, err
		}
		resp.Status = info
		if cr.PeekASN1Tag(cbasn1.SEQUENCE) {
			var ckp, choice, cert cryptobyte.String
			if !cr.ReadASN1(&ckp, cbasn1.SEQUENCE) ||
				!ckp.ReadASN1(&choice, ctag(0)) ||
				!choice.ReadASN1Element(&cert, cbasn1.SEQUENCE) {
				return nil, parseError("malformed CertifiedKeyPair")
			}
			resp.Certificate = bytes.Clone(cert)
		}
		body.Responses = append(body.Responses, resp)
	}
	return body, nil
}

func parseRevRep(s cryptobyte.String) (*RevRepBody, error) {
	var seq, statuses cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1(&statuses, cbasn1.SEQUENCE) {
		return nil, parseError("malformed RevRepContent")
	}
	body := &RevRepBody{}
	for !statuses.Empty() {
		info, err := readStatusInfo(&statuses)
		if err != nil {
			return nil, err
		}
		body.Statuses = append(body.Statuses, info)
	}
	return body, nil
}

func parseErrorMsg(s cryptobyte.String) (*ErrorBody, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return nil, parseError("malformed ErrorMsgContent")
	}
	info, err := readStatusInfo(&seq)
	if err != nil {
		return nil, err
	}
	body := &ErrorBody{Status: info}
	if seq.PeekASN1Tag(cbasn1.INTEGER) {
		var code int64
		if !seq.ReadASN1Integer(&code) {
			return nil, parseError("malformed errorCode")
		}
		body.ErrorCode = &code
	}
	if seq.PeekASN1Tag(cbasn1.SEQUENCE) {
		var text cryptobyte.String
		seq.ReadASN1(&text, cbasn1.SEQUENCE)
		if body.ErrorDetails, err = readFreeText(text); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal encodes m as DER. A zero PVNO is written as PVNO and empty
// sender or recipient as NullDN.
func Marshal(m *Message) ([]byte, error) {
	if m == nil || m.Body == nil {
		return nil, fmt.Errorf("cmp: message without body")
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addHeader(b, &m.Header)
		b.AddASN1(ctag(int(m.Body.Type())), func(b *cryptobyte.Builder) {
			addBody(b, m.Body)
		})
		if len(m.Protection.Bytes) > 0 {
			b.AddASN1(ctag(0), func(b *cryptobyte.Builder) {
				addBitString(b, m.Protection)
			})
		}
		if len(m.ExtraCerts) > 0 {
			b.AddASN1(ctag(1), func(b *cryptobyte.Builder) {
				addCertSequence(b, m.ExtraCerts)
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding PKIMessage: %w", err)
	}
	return der, nil
}

func addHeader(b *cryptobyte.Builder, h *Header) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		pvno := h.PVNO
		if pvno == 0 {
			pvno = PVNO
		}
		b.AddASN1Int64(int64(pvno))
		addGeneralName(b, h.Sender)
		addGeneralName(b, h.Recipient)
		if !h.MessageTime.IsZero() {
			b.AddASN1(ctag(0), func(b *cryptobyte.Builder) {
				b.AddASN1GeneralizedTime(h.MessageTime.UTC().Truncate(time.Second))
			})
		}
		if h.ProtectionAlg != nil {
			b.AddASN1(ctag(1), func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(h.ProtectionAlg.Algorithm)
					b.AddBytes(h.ProtectionAlg.Parameters.FullBytes)
				})
			})
		}
		for i, v := range [][]byte{h.SenderKID, h.RecipKID, h.TransactionID, h.SenderNonce, h.RecipNonce} {
			if v == nil {
				continue
			}
			b.AddASN1(ctag(2+i), func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(v)
			})
		}
		if len(h.FreeText) > 0 {
			b.AddASN1(ctag(7), func(b *cryptobyte.Builder) {
				addFreeText(b, h.FreeText)
			})
		}
	})
}

func addGeneralName(b *cryptobyte.Builder, raw []byte) {
	if len(raw) == 0 {
		raw = NullDN
	}
	b.AddBytes(raw)
}

func addFreeText(b *cryptobyte.Builder, text []string) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, s := range text {
			b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(s))
			})
		}
	})
}

func addBitString(b *cryptobyte.Builder, bs asn1.BitString) {
	b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(uint8(len(bs.Bytes)*8 - bs.BitLength))
		b.AddBytes(bs.Bytes)
	})
}

func addCertSequence(b *cryptobyte.Builder, certs [][]byte) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, c := range certs {
			b.AddBytes(c)
		}
	})
}

func addStatusInfo(b *cryptobyte.Builder, info StatusInfo) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(info.Status))
		if len(info.StatusString) > 0 {
			addFreeText(b, info.StatusString)
		}
		if info.FailInfo.BitLength > 0 {
			addBitString(b, info.FailInfo)
		}
	})
}

func addBody(b *cryptobyte.Builder, body Body) {
	switch body := body.(type) {
	case *CertReqBody:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, req := range body.Requests {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1Int64(req.CertReqID)
						addTemplate(b, req.Template)
					})
					// popo: raVerified
					b.AddASN1(ptag(0), func(*cryptobyte.Builder) {})
				})
			}
		})
	case *P10CRBody:
		if body.CSR == nil {
			b.SetError(fmt.Errorf("cmp: p10cr without request"))
			return
		}
		b.AddBytes(body.CSR.Raw)
	case *RevReqBody:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, d := range body.Details {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					addTemplate(b, d.Template)
					if len(d.CRLEntryDetails) > 0 {
						der, err := asn1.Marshal(d.CRLEntryDetails)
						if err != nil {
							b.SetError(err)
							return
						}
						b.AddBytes(der)
					}
				})
			}
		})
	case *CertConfBody:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, s := range body.Statuses {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1OctetString(s.CertHash)
					b.AddASN1Int64(s.CertReqID)
					if s.StatusInfo != nil {
						addStatusInfo(b, *s.StatusInfo)
					}
				})
			}
		})
	case *CertRepBody:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if len(body.CAPubs) > 0 {
				b.AddASN1(ctag(1), func(b *cryptobyte.Builder) {
					addCertSequence(b, body.CAPubs)
				})
			}
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, r := range body.Responses {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1Int64(r.CertReqID)
						addStatusInfo(b, r.Status)
						if len(r.Certificate) > 0 {
							b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
								b.AddASN1(ctag(0), func(b *cryptobyte.Builder) {
									b.AddBytes(r.Certificate)
								})
							})
						}
					})
				}
			})
		})
	case *RevRepBody:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, s := range body.Statuses {
					addStatusInfo(b, s)
				}
			})
		})
	case *PKIConfBody:
		b.AddASN1NULL()
	case *ErrorBody:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addStatusInfo(b, body.Status)
			if body.ErrorCode != nil {
				b.AddASN1Int64(*body.ErrorCode)
			}
			if len(body.ErrorDetails) > 0 {
				addFreeText(b, body.ErrorDetails)
			}
		})
	case *UnsupportedBody:
		b.AddBytes(body.Content)
	default:
		b.SetError(fmt.Errorf("cmp: cannot encode body %T", body))
	}
}

// addTemplate writes a CertTemplate. Only the fields CertTemplate models
// are emitted, in tag order.
func addTemplate(b *cryptobyte.Builder, t CertTemplate) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if t.SerialNumber != nil {
			content, err := elementContent(cbasn1.INTEGER, func(b *cryptobyte.Builder) {
				b.AddASN1BigInt(t.SerialNumber)
			})
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddASN1(ptag(1), func(b *cryptobyte.Builder) { b.AddBytes(content) })
		}
		if t.Issuer != nil {
			addName(b, 3, *t.Issuer)
		}
		if t.Subject != nil {
			addName(b, 5, *t.Subject)
		}
		if t.PublicKey != nil {
			spki, err := x509.MarshalPKIXPublicKey(t.PublicKey)
			if err != nil {
				b.SetError(fmt.Errorf("encoding template public key: %w", err))
				return
			}
			content, err := elementContent(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddBytes(spki) })
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddASN1(ctag(6), func(b *cryptobyte.Builder) { b.AddBytes(content) })
		}
		if len(t.Extensions) > 0 {
			der, err := asn1.Marshal(t.Extensions)
			if err != nil {
				b.SetError(err)
				return
			}
			content, err := elementContent(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddBytes(der) })
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddASN1(ctag(9), func(b *cryptobyte.Builder) { b.AddBytes(content) })
		}
	})
}

func addName(b *cryptobyte.Builder, tag int, name pkix.Name) {
	der, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		b.SetError(err)
		return
	}
	b.AddASN1(ctag(tag), func(b *cryptobyte.Builder) { b.AddBytes(der) })
}

// elementContent builds one element of the given tag and returns its
// content octets, for re-tagging under an implicit tag.
func elementContent(tag cbasn1.Tag, fn cryptobyte.BuilderContinuation) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	fn(b)
	der, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	s := cryptobyte.String(der)
	var content cryptobyte.String
	if !s.ReadASN1(&content, tag) || !s.Empty() {
		return nil, fmt.Errorf("cmp: expected a single %v element", tag)
	}
	return content, nil
}
