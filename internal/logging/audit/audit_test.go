package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	require.NotNil(t, l)

	l.LogTenantMgmt("create_tenant", 7, "plan=FREE")
	entry := decode(t, &buf)
	assert.Equal(t, "audit", entry["component"])
	assert.Equal(t, "tenant_management", entry["event_type"])
	assert.Equal(t, float64(7), entry["tenant_id"])
	assert.Equal(t, "plan=FREE", entry["details"])
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		tenantID  int64
		result    string
		details   string
		wantLevel string
	}{
		{name: "valid token", tenantID: 3, result: ResultAllowed, wantLevel: "info"},
		{name: "expired token", tenantID: 0, result: ResultDenied, details: "token is expired", wantLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogAuth(tt.tenantID, "bearer", tt.result, tt.details, "10.0.0.9")

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "auth", entry["event_type"])
			assert.Equal(t, float64(tt.tenantID), entry["tenant_id"])
			assert.Equal(t, "bearer", entry["method"])
			assert.Equal(t, "10.0.0.9", entry["source_ip"])
			if tt.details == "" {
				assert.NotContains(t, entry, "details")
			} else {
				assert.Equal(t, tt.details, entry["details"])
			}
		})
	}
}

func TestLogStorageOp(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogStorageOp(2, "delete", "/docs", ResultFailed, "permission denied")

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "storage_operation", entry["event_type"])
	assert.Equal(t, "delete", entry["operation"])
	assert.Equal(t, "/docs", entry["path"])
	assert.Equal(t, "failed", entry["result"])
}

func TestLogPathEscape(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogPathEscape(2, "download", "../../1/secret.txt")

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "path_escape", entry["event_type"])
	assert.Equal(t, "../../1/secret.txt", entry["requested_path"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().LogPathEscape(1, "upload", "..")
	})
}
