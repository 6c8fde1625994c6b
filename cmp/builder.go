package cmp

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/ivneld/Meteor-PKI/pki"
)

// Reply identifies the exchange a response belongs to. Request is nil
// when the request could not be decoded. A nil TransactionID falls back
// to the request's; a nil SenderNonce is generated.
type Reply struct {
	Request       *Header
	TransactionID []byte
	SenderNonce   []byte
}

// MessageBuilder encodes responses. Sender and recipient are the request's
// swapped and recipNonce echoes the request's senderNonce.
type MessageBuilder struct {
	rand io.Reader
	now  func() time.Time
}

// BuilderOption configures a MessageBuilder.
type BuilderOption func(*MessageBuilder)

// WithBuilderRandom sets the nonce source.
func WithBuilderRandom(r io.Reader) BuilderOption {
	return func(b *MessageBuilder) {
		if r != nil {
			b.rand = r
		}
	}
}

// WithBuilderClock sets the messageTime source.
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *MessageBuilder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewMessageBuilder returns a MessageBuilder.
func NewMessageBuilder(opts ...BuilderOption) *MessageBuilder {
	b := &MessageBuilder{rand: rand.Reader, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MessageBuilder) header(r Reply) (Header, error) {
	h := Header{
		PVNO:          PVNO,
		MessageTime:   b.now().UTC(),
		TransactionID: r.TransactionID,
		SenderNonce:   r.SenderNonce,
	}
	if req := r.Request; req != nil {
		h.Sender = req.Recipient
		h.Recipient = req.Sender
		h.RecipNonce = req.SenderNonce
		if h.TransactionID == nil {
			h.TransactionID = req.TransactionID
		}
	}
	if h.SenderNonce == nil {
		nonce, err := pki.NewNonce(b.rand)
		if err != nil {
			return Header{}, err
		}
		h.SenderNonce = nonce[:]
	}
	return h, nil
}

func (b *MessageBuilder) build(r Reply, body Body) ([]byte, error) {
	h, err := b.header(r)
	if err != nil {
		return nil, err
	}
	der, err := Marshal(&Message{Header: h, Body: body})
	if err != nil {
		return nil, fmt.Errorf("building %s response: %w", body.Type(), err)
	}
	return der, nil
}

// CertRep builds an ip or cp granting certDER.
func (b *MessageBuilder) CertRep(r Reply, kind BodyType, certReqID int64, certDER []byte, caPubs [][]byte) ([]byte, error) {
	if kind != BodyIP && kind != BodyCP {
		return nil, fmt.Errorf("cmp: %s is not a certificate response", kind)
	}
	return b.build(r, &CertRepBody{
		Kind:   kind,
		CAPubs: caPubs,
		Responses: []CertResponse{{
			CertReqID:   certReqID,
			Status:      StatusInfo{Status: StatusGranted},
			Certificate: certDER,
		}},
	})
}

// RevRep builds an rp granting the revocation.
func (b *MessageBuilder) RevRep(r Reply) ([]byte, error) {
	return b.build(r, &RevRepBody{Statuses: []StatusInfo{{Status: StatusGranted}}})
}

// PKIConf builds a pkiconf.
func (b *MessageBuilder) PKIConf(r Reply) ([]byte, error) {
	return b.build(r, &PKIConfBody{})
}

// Error builds an error message with status rejection and text as its
// statusString.
func (b *MessageBuilder) Error(r Reply, text string, failBits ...int) ([]byte, error) {
	info := StatusInfo{Status: StatusRejection, StatusString: []string{text}}
	if len(failBits) > 0 {
		info.FailInfo = FailureInfo(failBits...)
	}
	return b.build(r, &ErrorBody{Status: info})
}
