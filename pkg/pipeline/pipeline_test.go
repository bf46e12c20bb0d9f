package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dispatchkit/dispatchkit/pkg/auth"
	"github.com/dispatchkit/dispatchkit/pkg/cache"
	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/observability"
	"github.com/dispatchkit/dispatchkit/pkg/pipeline"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
	"github.com/dispatchkit/dispatchkit/pkg/ratelimit"
	"github.com/dispatchkit/dispatchkit/pkg/registry"
	"github.com/dispatchkit/dispatchkit/pkg/session"
)

var echoSchema = json.RawMessage(
	`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"],"additionalProperties":false}`)

type fixture struct {
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	session  *session.Session
	calls    atomic.Int64

	mu   sync.Mutex
	sent []*protocol.Message
}

func (f *fixture) send(ctx context.Context, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fixture) lastSent(t *testing.T) *protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "expected a response on the transport")
	return f.sent[len(f.sent)-1]
}

func (f *fixture) handle(t *testing.T, method string, params any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewRequest(1, method, params)
	require.NoError(t, err)
	err = f.pipeline.Handle(context.Background(), f.session, msg, f.send)
	require.NoError(t, err)
	return f.lastSent(t)
}

func newFixture(t *testing.T, config pipeline.Config, deps pipeline.Deps) *fixture {
	t.Helper()
	f := &fixture{registry: registry.New(), session: session.New()}

	require.NoError(t, f.registry.RegisterTool(&registry.Tool{
		Name:        "echo",
		InputSchema: echoSchema,
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			f.calls.Add(1)
			var in struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(args, &in)
			return &protocol.CallToolResult{
				Content: []protocol.ToolContent{{Type: "text", Text: in.Text}},
			}, nil
		},
	}))
	require.NoError(t, f.registry.RegisterTool(&registry.Tool{
		Name:        "lookup",
		InputSchema: echoSchema,
		Cacheable:   true,
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			f.calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return &protocol.CallToolResult{
				Content: []protocol.ToolContent{{Type: "text", Text: "found"}},
			}, nil
		},
	}))
	require.NoError(t, f.registry.RegisterTool(&registry.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			select {
			case <-time.After(time.Second):
				return &protocol.CallToolResult{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	require.NoError(t, f.registry.RegisterTool(&registry.Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			panic("boom: secret state at /var/lib/dispatch")
		},
	}))
	require.NoError(t, f.registry.RegisterTool(&registry.Tool{
		Name: "leaky",
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			return &protocol.CallToolResult{Content: []protocol.ToolContent{{
				Type: "text",
				Text: "token: abc123 stored under /etc/dispatch/creds",
			}}}, nil
		},
	}))
	require.NoError(t, f.registry.RegisterResource(&registry.Resource{
		Name:        "logs",
		URITemplate: "file:///logs/{name}",
		Handler: func(ctx context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error) {
			f.calls.Add(1)
			return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{{
				URI: uri, MimeType: "text/plain", Text: "log for " + vars["name"],
			}}}, nil
		},
	}))
	require.NoError(t, f.registry.RegisterPrompt(&registry.Prompt{
		Name: "greet",
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.GetPromptResult, error) {
			return &protocol.GetPromptResult{Messages: []protocol.PromptMessage{{
				Role: "user", Content: "hello",
			}}}, nil
		},
	}))

	deps.Registry = f.registry
	p, err := pipeline.New(config, deps)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func decodeErrorData(t *testing.T, msg *protocol.Message) *protocol.ErrorData {
	t.Helper()
	require.NotNil(t, msg.Error)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(msg.Error.Data, &data))
	return &data
}

func TestCallToolSuccess(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestUnknownToolNotFound(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "nope", Arguments: json.RawMessage(`{"text":"x"}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeNotFound, resp.Error.Code)
	assert.Equal(t, string(errors.KindNotFound), decodeErrorData(t, resp).Kind)
}

func TestValidationFailureNamesFields(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"wrong":1}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeInvalidParams, resp.Error.Code)

	data := decodeErrorData(t, resp)
	assert.Equal(t, string(errors.KindValidation), data.Kind)
	assert.Contains(t, data.Fields, "text")
	assert.Zero(t, f.calls.Load(), "the provider must not see invalid arguments")
}

func TestDenyListBlocksTraversal(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"text":"../../etc/passwd"}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeInvalidParams, resp.Error.Code)
	assert.Zero(t, f.calls.Load())

	resp = f.handle(t, protocol.MethodReadResource, protocol.ReadResourceParams{
		URI: "file:///logs/../secrets",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeInvalidParams, resp.Error.Code)
}

func TestAuthenticationRequired(t *testing.T) {
	f := newFixture(t, pipeline.Config{AuthRequired: true}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodListTools, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeAuthentication, resp.Error.Code)

	// An authenticated session passes the same gate.
	f.session.SetIdentity(&auth.Identity{ID: "svc:test"})
	resp = f.handle(t, protocol.MethodListTools, nil)
	assert.Nil(t, resp.Error)
}

func TestAuthorizationDenied(t *testing.T) {
	policy := auth.NewPolicy()
	policy.Grant("reader", "tools/list", "resources/*")

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{Policy: policy})
	f.session.SetIdentity(&auth.Identity{ID: "user:bob", Roles: []string{"reader"}})

	resp := f.handle(t, protocol.MethodListTools, nil)
	assert.Nil(t, resp.Error)

	resp = f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeAuthorization, resp.Error.Code)
	assert.Zero(t, f.calls.Load())
}

func TestRateLimitExhaustion(t *testing.T) {
	f := newFixture(t, pipeline.Config{
		RateLimits: ratelimit.Config{
			protocol.MethodCallTool: {Window: time.Minute, Ceiling: 2},
		},
	}, pipeline.Deps{})

	params := protocol.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}
	for i := 0; i < 2; i++ {
		resp := f.handle(t, protocol.MethodCallTool, params)
		require.Nil(t, resp.Error)
	}

	resp := f.handle(t, protocol.MethodCallTool, params)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeRateLimited, resp.Error.Code)

	data := decodeErrorData(t, resp)
	assert.Equal(t, string(errors.KindRateLimited), data.Kind)
	assert.GreaterOrEqual(t, data.RetryAfterSeconds, int64(1))
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestProviderTimeout(t *testing.T) {
	f := newFixture(t, pipeline.Config{DefaultCallTimeout: 50 * time.Millisecond}, pipeline.Deps{})

	start := time.Now()
	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{Name: "slow"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeTimeout, resp.Error.Code)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "the pipeline must not wait out the provider")
}

func TestCallerMayLowerTimeoutOnly(t *testing.T) {
	f := newFixture(t, pipeline.Config{DefaultCallTimeout: 100 * time.Millisecond}, pipeline.Deps{})

	// Asking for more than the server default does not extend the bound.
	start := time.Now()
	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "slow", TimeoutSeconds: 30,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeTimeout, resp.Error.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProviderPanicHidden(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{Name: "broken"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeProvider, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "boom", "panic detail stays server-side")
	assert.NotContains(t, resp.Error.Message, "/var/lib", "paths stay server-side")
}

func TestStructuredProviderErrorPassesThrough(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})
	require.NoError(t, f.registry.RegisterTool(&registry.Tool{
		Name: "picky",
		Handler: func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			return nil, errors.NotFound("record", "42")
		},
	}))

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{Name: "picky"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeNotFound, resp.Error.Code)
}

func TestCachedToolInvokedOnce(t *testing.T) {
	local, err := cache.NewLocal(cache.LocalConfig{SweepInterval: -1})
	require.NoError(t, err)
	defer func() { _ = local.Close() }()

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{Cache: local})

	params := protocol.CallToolParams{Name: "lookup", Arguments: json.RawMessage(`{"text":"q"}`)}
	resp := f.handle(t, protocol.MethodCallTool, params)
	require.Nil(t, resp.Error)
	resp = f.handle(t, protocol.MethodCallTool, params)
	require.Nil(t, resp.Error)

	assert.EqualValues(t, 1, f.calls.Load(), "second identical call must be served from cache")
}

func TestCacheKeyIgnoresArgumentOrder(t *testing.T) {
	local, err := cache.NewLocal(cache.LocalConfig{SweepInterval: -1})
	require.NoError(t, err)
	defer func() { _ = local.Close() }()

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{Cache: local})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "lookup", Arguments: json.RawMessage(`{"text":"q"}`),
	})
	require.Nil(t, resp.Error)
	resp = f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "lookup", Arguments: json.RawMessage(`{ "text" : "q" }`),
	})
	require.Nil(t, resp.Error)

	assert.EqualValues(t, 1, f.calls.Load())
}

func TestConcurrentIdenticalCallsCollapse(t *testing.T) {
	local, err := cache.NewLocal(cache.LocalConfig{SweepInterval: -1})
	require.NoError(t, err)
	defer func() { _ = local.Close() }()

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{Cache: local})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := protocol.NewRequest(fmt.Sprintf("req-%d", i), protocol.MethodCallTool,
				protocol.CallToolParams{Name: "lookup", Arguments: json.RawMessage(`{"text":"q"}`)})
			if err != nil {
				t.Error(err)
				return
			}
			_ = f.pipeline.Handle(context.Background(), f.session, msg, f.send)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.calls.Load(), "identical in-flight calls share one provider invocation")
}

func TestOutputRedaction(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{Name: "leaky"})
	require.Nil(t, resp.Error)

	payload := string(resp.Result)
	assert.Contains(t, payload, "token: [REDACTED]")
	assert.NotContains(t, payload, "abc123")
	assert.NotContains(t, payload, "/etc/dispatch")

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result), "redaction must keep the payload valid JSON")
}

func TestResourceReadResolvesTemplate(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodReadResource, protocol.ReadResourceParams{
		URI: "file:///logs/app",
	})
	require.Nil(t, resp.Error)

	var result protocol.ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "log for app", result.Contents[0].Text)
}

func TestResourceReadUnknownURI(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodReadResource, protocol.ReadResourceParams{
		URI: "file:///nowhere/else/at/all",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeNotFound, resp.Error.Code)
}

func TestGetPrompt(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodGetPrompt, protocol.GetPromptParams{Name: "greet"})
	require.Nil(t, resp.Error)

	var result protocol.GetPromptResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "hello", result.Messages[0].Content)
}

func TestListTools(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	resp := f.handle(t, protocol.MethodListTools, nil)
	require.Nil(t, resp.Error)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.Tools)
	assert.Equal(t, "echo", result.Tools[0].Name, "listings keep registration order")
}

func TestMalformedParams(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	msg := &protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      7,
		Method:  protocol.MethodCallTool,
		Params:  json.RawMessage(`"not an object"`),
	}
	require.NoError(t, f.pipeline.Handle(context.Background(), f.session, msg, f.send))

	resp := f.lastSent(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeInvalidParams, resp.Error.Code)
	assert.EqualValues(t, 7, resp.ID, "errors echo the correlation id")
}

func TestClosedTransportDiscardsResult(t *testing.T) {
	f := newFixture(t, pipeline.Config{}, pipeline.Deps{})

	msg, err := protocol.NewRequest(1, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)

	closedSend := func(ctx context.Context, m *protocol.Message) error {
		return errors.TransportClosed(nil)
	}
	assert.NoError(t, f.pipeline.Handle(context.Background(), f.session, msg, closedSend),
		"a closed transport discards the result without failing the session")
}

func TestInvalidateMethodClearsCache(t *testing.T) {
	local, err := cache.NewLocal(cache.LocalConfig{SweepInterval: -1})
	require.NoError(t, err)
	defer func() { _ = local.Close() }()

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{Cache: local})

	params := protocol.CallToolParams{Name: "lookup", Arguments: json.RawMessage(`{"text":"q"}`)}
	resp := f.handle(t, protocol.MethodCallTool, params)
	require.Nil(t, resp.Error)
	require.EqualValues(t, 1, f.calls.Load())

	require.NoError(t, f.pipeline.InvalidateMethod(context.Background(), protocol.MethodCallTool))

	resp = f.handle(t, protocol.MethodCallTool, params)
	require.Nil(t, resp.Error)
	assert.EqualValues(t, 2, f.calls.Load(), "invalidation forces the next call back to the provider")
}

func TestRequestSpansRecorded(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{
		Tracing: observability.NewTracingProviderFrom(provider),
	})

	resp := f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	require.Nil(t, resp.Error)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.tools/call", spans[0].Name)

	attrs := make(map[attribute.Key]string)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "tools/call", attrs["dispatch.method"])
	assert.Equal(t, f.session.ID, attrs["dispatch.session_id"])

	// A failed request still closes its span, marked failed.
	exporter.Reset()
	resp = f.handle(t, protocol.MethodCallTool, protocol.CallToolParams{Name: "missing"})
	require.NotNil(t, resp.Error)

	spans = exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestAuthenticateCredential(t *testing.T) {
	verifier := auth.VerifierFunc(func(ctx context.Context, credential string) (*auth.Identity, error) {
		if credential == "dk_good" {
			return &auth.Identity{ID: "user:alice"}, nil
		}
		return nil, errors.Authentication("unknown credential")
	})

	f := newFixture(t, pipeline.Config{}, pipeline.Deps{Verifier: verifier})

	identity, err := f.pipeline.Authenticate(context.Background(), "dk_good")
	require.NoError(t, err)
	assert.Equal(t, "user:alice", identity.ID)

	_, err = f.pipeline.Authenticate(context.Background(), "dk_bad")
	assert.True(t, errors.IsKind(err, errors.KindAuthentication))

	identity, err = f.pipeline.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, identity, "anonymous is fine when auth is optional")
}
