package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravelsys/mcp-broker/internal/access"
	"github.com/ravelsys/mcp-broker/internal/aggregator"
	"github.com/ravelsys/mcp-broker/internal/authjwt"
	"github.com/ravelsys/mcp-broker/internal/downstream"
	"github.com/ravelsys/mcp-broker/internal/jsonrpc"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return key, pubPEM
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, subject string, allowedTags []string, expiry time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":          "mcp-broker",
		"aud":          "mcp-broker",
		"sub":          subject,
		"exp":          expiry.Unix(),
		"iat":          time.Now().Unix(),
		"allowed_tags": allowedTags,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func rawTool(name string) downstream.RawTool {
	return downstream.RawTool{Name: name, InputSchema: json.RawMessage(`{}`)}
}

func newTestBroker(t *testing.T, cfg Config, toolsByServer map[string][]downstream.RawTool, tagsByServer map[string][]string) (*Broker, *rsa.PrivateKey) {
	t.Helper()
	key, pubPEM := generateTestKeyPair(t)
	verifier, err := authjwt.NewVerifier(pubPEM)
	require.NoError(t, err)

	list := func(ctx context.Context) map[string][]downstream.RawTool { return toolsByServer }
	tags := func(server string) []string { return tagsByServer[server] }
	call := func(ctx context.Context, server, tool string, args any) ([]byte, error) {
		return []byte(`{"echoed":true}`), nil
	}
	agg := aggregator.New(list, tags, call)
	filter := access.New(agg)

	return New(cfg, verifier, filter, agg), key
}

func req(id any, method string, params any) *jsonrpc.Request {
	r, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		panic(err)
	}
	return r
}

func TestBroker_Initialize_AlwaysSucceeds(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()
	resp := session.Handle(context.Background(), req(1, "initialize", map[string]any{}))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestBroker_UnknownMethod_MethodNotFound(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()
	resp := session.Handle(context.Background(), req(2, "not/a/method", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestBroker_Notification_IsAbsorbedSilently(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()
	notif := req(nil, "not/a/method", nil)
	resp := session.Handle(context.Background(), notif)
	assert.Nil(t, resp)
}

func TestBroker_Authenticate_ValidToken_GrantsContext(t *testing.T) {
	b, key := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()

	token := signTestToken(t, key, "alice", []string{"ops"}, time.Now().Add(time.Hour))
	resp := session.Handle(context.Background(), req(1, "authenticate", map[string]any{"jwt_token": token}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "alice", result["subject"])
}

func TestBroker_Authenticate_InvalidToken_Errors(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()

	resp := session.Handle(context.Background(), req(1, "authenticate", map[string]any{"jwt_token": "garbage"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
}

func TestBroker_ToolsList_FiltersByTag(t *testing.T) {
	toolsByServer := map[string][]downstream.RawTool{
		"billing": {rawTool("charge")},
		"public":  {rawTool("ping")},
	}
	tagsByServer := map[string][]string{"billing": {"finance"}, "public": {}}
	b, key := newTestBroker(t, Config{}, toolsByServer, tagsByServer)
	session := b.NewSession()

	token := signTestToken(t, key, "ops-user", []string{"finance"}, time.Now().Add(time.Hour))
	session.Handle(context.Background(), req(1, "authenticate", map[string]any{"jwt_token": token}))

	resp := session.Handle(context.Background(), req(2, "tools/list", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "charge", result.Tools[0]["name"])
}

func TestBroker_ToolsCall_DeniedWithoutMatchingTag(t *testing.T) {
	toolsByServer := map[string][]downstream.RawTool{"billing": {rawTool("charge")}}
	tagsByServer := map[string][]string{"billing": {"finance"}}
	b, key := newTestBroker(t, Config{}, toolsByServer, tagsByServer)
	session := b.NewSession()

	token := signTestToken(t, key, "marketing-user", []string{"marketing"}, time.Now().Add(time.Hour))
	session.Handle(context.Background(), req(1, "authenticate", map[string]any{"jwt_token": token}))

	resp := session.Handle(context.Background(), req(2, "tools/call", map[string]any{"name": "charge", "arguments": map[string]any{}}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "Access denied", resp.Error.Message)
}

func TestBroker_ToolsCall_AllowedRoutesThroughAggregator(t *testing.T) {
	toolsByServer := map[string][]downstream.RawTool{"billing": {rawTool("charge")}}
	tagsByServer := map[string][]string{"billing": {"finance"}}
	b, key := newTestBroker(t, Config{}, toolsByServer, tagsByServer)
	session := b.NewSession()

	token := signTestToken(t, key, "fin-user", []string{"finance"}, time.Now().Add(time.Hour))
	session.Handle(context.Background(), req(1, "authenticate", map[string]any{"jwt_token": token}))

	resp := session.Handle(context.Background(), req(2, "tools/call", map[string]any{"name": "charge", "arguments": map[string]any{}}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result struct {
		Content []map[string]any `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0]["type"])
}

func TestBroker_ToolsCall_InvalidNameRejected(t *testing.T) {
	b, _ := newTestBroker(t, Config{AllowUnauthenticated: true}, nil, nil)
	session := b.NewSession()
	resp := session.Handle(context.Background(), req(1, "tools/call", map[string]any{"name": "not valid!", "arguments": map[string]any{}}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestBroker_ToolsCall_TooManyArgumentKeysRejected(t *testing.T) {
	b, _ := newTestBroker(t, Config{AllowUnauthenticated: true}, nil, nil)
	session := b.NewSession()

	args := make(map[string]any, 101)
	for i := 0; i < 101; i++ {
		args[strconv.Itoa(i)] = i
	}
	resp := session.Handle(context.Background(), req(1, "tools/call", map[string]any{"name": "thing", "arguments": args}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestBroker_AllowUnauthenticated_DevelopmentMode(t *testing.T) {
	toolsByServer := map[string][]downstream.RawTool{"billing": {rawTool("charge")}}
	tagsByServer := map[string][]string{"billing": {"finance"}}
	b, _ := newTestBroker(t, Config{AllowUnauthenticated: true}, toolsByServer, tagsByServer)
	session := b.NewSession()

	resp := session.Handle(context.Background(), req(1, "tools/list", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
}

func TestBroker_ToolsList_UnauthenticatedProduction_SeesNothing(t *testing.T) {
	toolsByServer := map[string][]downstream.RawTool{"billing": {rawTool("charge")}}
	tagsByServer := map[string][]string{"billing": {"finance"}}
	b, _ := newTestBroker(t, Config{}, toolsByServer, tagsByServer)
	session := b.NewSession()

	resp := session.Handle(context.Background(), req(1, "tools/list", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Empty(t, result.Tools)
}

func TestBroker_ToolsCall_UnauthenticatedProduction_Denied(t *testing.T) {
	toolsByServer := map[string][]downstream.RawTool{"billing": {rawTool("charge")}}
	tagsByServer := map[string][]string{"billing": {"finance"}}
	b, _ := newTestBroker(t, Config{}, toolsByServer, tagsByServer)
	session := b.NewSession()

	resp := session.Handle(context.Background(), req(1, "tools/call", map[string]any{"name": "charge", "arguments": map[string]any{}}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "Access denied", resp.Error.Message)
}

func TestBroker_InvalidRequestWithID_InvalidRequestError(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()
	malformed := &jsonrpc.Request{JSONRPC: "2.0", ID: 1}
	resp := session.Handle(context.Background(), malformed)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
}

func TestBroker_InvalidRequestWithoutID_NoResponse(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()
	malformed := &jsonrpc.Request{JSONRPC: "2.0"}
	resp := session.Handle(context.Background(), malformed)
	assert.Nil(t, resp)
}

func TestBroker_EchoesRequestID(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, nil, nil)
	session := b.NewSession()
	resp := session.Handle(context.Background(), req(float64(42), "initialize", nil))
	require.NotNil(t, resp)
	assert.Equal(t, float64(42), resp.ID)
}
