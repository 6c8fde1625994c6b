package cmp

import (
	"context"
	"fmt"
	"time"

	"github.com/ivneld/Meteor-PKI/pki"
)

// TransactionStatus is the protocol-level state of a transaction.
type TransactionStatus string

const (
	TxPending        TransactionStatus = "PENDING"
	TxWaitingConfirm TransactionStatus = "WAITING_CONFIRM"
	TxCompleted      TransactionStatus = "COMPLETED"
	TxFailed         TransactionStatus = "FAILED"
)

// Transaction tracks one CMP exchange. Transitions return a new value.
type Transaction struct {
	ID                pki.TransactionID `json:"transaction_id"`
	CAID              pki.CAID          `json:"ca_id"`
	Sender            string            `json:"sender"`
	SenderNonce       pki.Nonce         `json:"sender_nonce"`
	RecipientNonce    pki.Nonce         `json:"recipient_nonce"`
	BodyType          BodyType          `json:"body_type"`
	Status            TransactionStatus `json:"status"`
	CertificateSerial *pki.SerialNumber `json:"certificate_serial,omitempty"`
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewTransaction starts a PENDING transaction.
func NewTransaction(id pki.TransactionID, caID pki.CAID, sender string, senderNonce pki.Nonce, body BodyType, at time.Time) Transaction {
	at = at.UTC()
	return Transaction{
		ID:          id,
		CAID:        caID,
		Sender:      sender,
		SenderNonce: senderNonce,
		BodyType:    body,
		Status:      TxPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// AwaitConfirm records the response nonce and moves to WAITING_CONFIRM.
func (t Transaction) AwaitConfirm(recipientNonce pki.Nonce, at time.Time) Transaction {
	t.RecipientNonce = recipientNonce
	t.Status = TxWaitingConfirm
	t.UpdatedAt = at.UTC()
	return t
}

// Complete moves to COMPLETED.
func (t Transaction) Complete(at time.Time) Transaction {
	t.Status = TxCompleted
	t.UpdatedAt = at.UTC()
	return t
}

// Fail moves to FAILED with reason.
func (t Transaction) Fail(reason string, at time.Time) Transaction {
	t.Status = TxFailed
	t.Error = reason
	t.UpdatedAt = at.UTC()
	return t
}

// IsTerminal reports whether no further transition is expected.
func (t Transaction) IsTerminal() bool {
	return t.Status == TxCompleted || t.Status == TxFailed
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s %s %s", t.ID, t.BodyType, t.Status)
}

// TransactionRepository persists transactions. Save is last-writer-wins.
type TransactionRepository interface {
	Save(ctx context.Context, tx Transaction) error
	// FindByID returns ErrTransactionNotFound for an unknown id.
	FindByID(ctx context.Context, id pki.TransactionID) (Transaction, error)
}
