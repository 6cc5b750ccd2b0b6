package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// toolFunc executes one tool call and returns the JSON-encodable result.
type toolFunc func(ctx context.Context, arguments string) (string, error)

// toolSet is the callable functions exposed to the model for one request.
type toolSet struct {
	defs     []llm.Tool
	handlers map[string]toolFunc
}

func (s *toolSet) add(def llm.Tool, fn toolFunc) {
	s.handlers[def.Name] = fn
	s.defs = append(s.defs, def)
}

// invoke runs the named tool. Unknown names and tool failures return an error
// payload to the model instead of failing the chat.
func (s *toolSet) invoke(ctx context.Context, name, arguments string) string {
	fn, ok := s.handlers[name]
	if !ok {
		return `{"error": "unknown tool"}`
	}
	out, err := fn(ctx, arguments)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, errors.PublicMessage(err))
	}
	return out
}

// sanitizeIdentifier converts a connector name into a valid function
// identifier: lowercase, non-alphanumerics become underscores, and a leading
// digit gets an underscore prefix.
func sanitizeIdentifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "connector"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// uniqueIdentifier resolves collisions with a short random suffix.
func uniqueIdentifier(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for {
		suffix := make([]byte, 4)
		for i := range suffix {
			suffix[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
		}
		candidate := name + "_" + string(suffix)
		if !taken[candidate] {
			return candidate
		}
	}
}

// connectorParameter is one field of a connector's declared parameter schema.
type connectorParameter struct {
	Type        string `json:"type"` // str, number, bool
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// connectorToolSchema converts the connector parameter declarations into a
// JSON schema for the model and for argument validation.
func connectorToolSchema(raw json.RawMessage) (json.RawMessage, error) {
	params := map[string]connectorParameter{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidRequest, "invalid connector parameter schema")
		}
	}

	properties := map[string]interface{}{}
	var required []string
	for name, p := range params {
		jsonType := "string"
		switch p.Type {
		case "number":
			jsonType = "number"
		case "bool":
			jsonType = "boolean"
		}
		properties[name] = map[string]interface{}{
			"type":        jsonType,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

// connectorCaller performs connector HTTP invocations.
type connectorCaller struct {
	client *http.Client
	logger observability.Logger
}

func newConnectorCaller(logger observability.Logger) *connectorCaller {
	return &connectorCaller{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// call validates the arguments against the schema and performs the HTTP
// request, forwarding the caller's opaque auth header verbatim.
func (c *connectorCaller) call(ctx context.Context, connector *models.Connector, schema json.RawMessage, arguments, authHeader string) (string, error) {
	if arguments == "" {
		arguments = "{}"
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewStringLoader(arguments))
	if err != nil {
		return "", errors.Wrap(err, errors.KindConnectorFailed, "connector argument validation failed")
	}
	if !result.Valid() {
		var reasons []string
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return "", errors.Newf(errors.KindConnectorFailed, "invalid connector arguments: %s", strings.Join(reasons, "; "))
	}

	method := strings.ToUpper(connector.Method)
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	endpoint := connector.Endpoint
	if method == http.MethodGet {
		endpoint = appendQuery(endpoint, arguments)
	} else {
		wrapped, err := json.Marshal(map[string]json.RawMessage{"data": json.RawMessage(arguments)})
		if err != nil {
			return "", errors.Wrap(err, errors.KindConnectorFailed, "connector request encode failed")
		}
		body = bytes.NewReader(wrapped)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return "", errors.Wrap(err, errors.KindConnectorFailed, "connector request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("X-Connector-Auth", authHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.KindConnectorFailed, "connector request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, errors.KindConnectorFailed, "connector response read failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Newf(errors.KindConnectorFailed, "connector returned %d", resp.StatusCode)
	}

	// The contract requires a {"data": ...} body; anything else is an
	// empty result rather than a chat failure.
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Data == nil {
		return `{"data": null}`, nil
	}
	return string(data), nil
}

// appendQuery flattens the JSON arguments into query parameters for GET
// connectors.
func appendQuery(endpoint, arguments string) string {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || len(args) == 0 {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	values := url.Values{}
	for k, v := range args {
		values.Set(k, fmt.Sprintf("%v", v))
	}
	return endpoint + sep + values.Encode()
}
