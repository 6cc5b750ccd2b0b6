package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Order Lookup", "order_lookup"},
		{"CRM/v2 (beta)", "crm_v2__beta_"},
		{"42things", "_42things"},
		{"", "connector"},
		{"déjà", "d_j_"},
		{"already_fine", "already_fine"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeIdentifier(tt.in), "input %q", tt.in)
	}
}

func TestUniqueIdentifier(t *testing.T) {
	taken := map[string]bool{"lookup": true}
	assert.Equal(t, "fresh", uniqueIdentifier("fresh", taken))

	got := uniqueIdentifier("lookup", taken)
	assert.NotEqual(t, "lookup", got)
	assert.Regexp(t, `^lookup_[a-z0-9]{4}$`, got)
}

func TestConnectorToolSchema(t *testing.T) {
	raw := json.RawMessage(`{
		"order_id": {"type": "str", "description": "The order number.", "required": true},
		"limit": {"type": "number", "description": "Max results."},
		"open_only": {"type": "bool", "required": false}
	}`)
	schema, err := connectorToolSchema(raw)
	require.NoError(t, err)

	var decoded struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schema, &decoded))
	assert.Equal(t, "object", decoded.Type)
	assert.Equal(t, "string", decoded.Properties["order_id"].Type)
	assert.Equal(t, "number", decoded.Properties["limit"].Type)
	assert.Equal(t, "boolean", decoded.Properties["open_only"].Type)
	assert.Equal(t, []string{"order_id"}, decoded.Required)
}

func TestConnectorToolSchemaInvalid(t *testing.T) {
	_, err := connectorToolSchema(json.RawMessage(`["not", "an", "object"]`))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func newTestCaller() *connectorCaller {
	return newConnectorCaller(observability.NewLogger("test"))
}

func TestConnectorCallerPost(t *testing.T) {
	var gotAuth, gotBody, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Connector-Auth")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"data": {"orders": [{"id": "A-1"}]}}`))
	}))
	defer server.Close()

	connector := &models.Connector{
		ID:       uuid.New(),
		Endpoint: server.URL,
		Method:   "POST",
	}
	schema, err := connectorToolSchema(json.RawMessage(`{"order_id": {"type": "str", "required": true}}`))
	require.NoError(t, err)

	out, err := newTestCaller().call(context.Background(), connector, schema, `{"order_id": "A-1"}`, "Bearer opaque-token")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": {"orders": [{"id": "A-1"}]}}`, out)
	assert.Equal(t, "Bearer opaque-token", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"data": {"order_id": "A-1"}}`, gotBody)
}

func TestConnectorCallerMalformedResponseIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json at all`))
	}))
	defer server.Close()

	connector := &models.Connector{ID: uuid.New(), Endpoint: server.URL}
	schema, err := connectorToolSchema(nil)
	require.NoError(t, err)

	out, err := newTestCaller().call(context.Background(), connector, schema, `{}`, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": null}`, out)
}

func TestConnectorCallerGetFlattensQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("order_id")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	connector := &models.Connector{ID: uuid.New(), Endpoint: server.URL, Method: "GET"}
	schema, err := connectorToolSchema(json.RawMessage(`{"order_id": {"type": "str"}}`))
	require.NoError(t, err)

	_, err = newTestCaller().call(context.Background(), connector, schema, `{"order_id": "A 1&x"}`, "")
	require.NoError(t, err)
	assert.Equal(t, "A 1&x", gotQuery)
}

func TestConnectorCallerRejectsInvalidArguments(t *testing.T) {
	connector := &models.Connector{ID: uuid.New(), Endpoint: "http://unreachable.invalid"}
	schema, err := connectorToolSchema(json.RawMessage(`{"order_id": {"type": "str", "required": true}}`))
	require.NoError(t, err)

	_, err = newTestCaller().call(context.Background(), connector, schema, `{"wrong": 1}`, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindConnectorFailed, errors.KindOf(err))
}

func TestConnectorCallerNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	connector := &models.Connector{ID: uuid.New(), Endpoint: server.URL}
	schema, err := connectorToolSchema(nil)
	require.NoError(t, err)

	_, err = newTestCaller().call(context.Background(), connector, schema, `{}`, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindConnectorFailed, errors.KindOf(err))
}

func TestToolSetInvokeUnknown(t *testing.T) {
	set := &toolSet{handlers: map[string]toolFunc{}}
	assert.JSONEq(t, `{"error": "unknown tool"}`, set.invoke(context.Background(), "missing", "{}"))
}

func TestToolSetInvokeErrorPayload(t *testing.T) {
	set := &toolSet{handlers: map[string]toolFunc{}}
	set.add(llm.Tool{Name: "boom"}, func(ctx context.Context, arguments string) (string, error) {
		return "", errors.New(errors.KindInvalidRequest, "bad arguments")
	})
	out := set.invoke(context.Background(), "boom", "{}")
	assert.Contains(t, out, "bad arguments")
}
