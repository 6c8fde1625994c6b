package api

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ivneld/Meteor-PKI/internal/uuid"
	"github.com/ivneld/Meteor-PKI/storage"
)

const kindAudit = "audit"

// auditKey orders entries chronologically under storage.List.
func auditKey(e AuditEntry) string {
	return fmt.Sprintf("%020d-%s", e.CreatedAt.UnixNano(), e.ID)
}

func appendAuditEntry(ctx context.Context, repo storage.Repository, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return repo.Put(ctx, kindAudit, auditKey(entry), &storage.Record{Data: data, Version: 1})
}

// listAuditEntries returns stored entries newest first, optionally only
// those of one event type. Unreadable records are skipped.
func listAuditEntries(ctx context.Context, repo storage.Repository, event AuditEvent) ([]AuditEntry, error) {
	ids, err := repo.List(ctx, kindAudit)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(ids))
	for _, id := range slices.Backward(ids) {
		rec, err := repo.Get(ctx, kindAudit, id)
		if err != nil || rec == nil {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			continue
		}
		if event != "" && entry.Event != event {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
