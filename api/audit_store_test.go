package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivneld/Meteor-PKI/storage"
	"github.com/ivneld/Meteor-PKI/storage/memory"
)

func newStoredAuditLogger(t *testing.T) (*auditLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	al := newAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	al.store = memory.NewRepository()

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	al.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return al, &buf
}

func TestAuditLogger_PersistsNewestFirst(t *testing.T) {
	al, _ := newStoredAuditLogger(t)
	r := httptest.NewRequest("POST", "/api/v1/pki/ca/root", nil)

	al.log(AuditCACreated, r, slog.String("alias", "root-ca"))
	al.log(AuditCertIssued, r, slog.String("serial", "0a"))
	al.log(AuditCertIssued, r, slog.String("serial", "0b"))

	entries, err := listAuditEntries(t.Context(), al.store, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "0b", entries[0].Attrs["serial"])
	assert.Equal(t, "0a", entries[1].Attrs["serial"])
	assert.Equal(t, AuditCACreated, entries[2].Event)
	assert.Equal(t, "root-ca", entries[2].Attrs["alias"])
	assert.Equal(t, r.RemoteAddr, entries[2].Remote)
	assert.NotEmpty(t, entries[2].ID)
	assert.True(t, entries[0].CreatedAt.After(entries[2].CreatedAt))
}

func TestAuditLogger_FilterByEvent(t *testing.T) {
	al, _ := newStoredAuditLogger(t)
	r := httptest.NewRequest("POST", "/pki/test-ca", nil)

	al.log(AuditCMPRequest, r)
	al.logFailure(AuditCMPRejected, r, "malformed PKIMessage", slog.String("alias", "test-ca"))
	al.log(AuditCMPRequest, r)

	entries, err := listAuditEntries(t.Context(), al.store, AuditCMPRejected)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "malformed PKIMessage", entries[0].Attrs["reason"])
	assert.Equal(t, "test-ca", entries[0].Attrs["alias"])

	entries, err = listAuditEntries(t.Context(), al.store, AuditCARevoked)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditLogger_StructuredOutput(t *testing.T) {
	al, buf := newStoredAuditLogger(t)
	al.store = nil
	r := httptest.NewRequest("POST", "/api/v1/pki/ca/1/revoke", nil)

	al.log(AuditCARevoked, r, slog.Int64("ca_id", 1))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, "ca_revoked", line["event"])
	assert.Equal(t, float64(1), line["ca_id"])
	assert.Equal(t, "2026-03-01T09:00:01Z", line["timestamp"])
}

func TestListAuditEntries_SkipsCorruptRecords(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	require.NoError(t, appendAuditEntry(ctx, repo, AuditEntry{Event: AuditCRLGenerated, CreatedAt: time.Now()}))
	require.NoError(t, repo.Put(ctx, kindAudit, "zzz", &storage.Record{Data: []byte("{not json"), Version: 1}))

	entries, err := listAuditEntries(ctx, repo, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditCRLGenerated, entries[0].Event)
}
