// Package pipeline runs every capability request through a fixed sequence of
// stages: authenticate, authorize, validate, rate limit, cache lookup,
// dispatch, cache populate, sanitize output, respond. A stage failure stops
// the sequence and turns into the error response for that request; later
// stages never observe a request an earlier stage rejected.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dispatchkit/dispatchkit/pkg/auth"
	"github.com/dispatchkit/dispatchkit/pkg/cache"
	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/logging"
	"github.com/dispatchkit/dispatchkit/pkg/observability"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
	"github.com/dispatchkit/dispatchkit/pkg/ratelimit"
	"github.com/dispatchkit/dispatchkit/pkg/registry"
	"github.com/dispatchkit/dispatchkit/pkg/schema"
	"github.com/dispatchkit/dispatchkit/pkg/session"
)

// DefaultCallTimeout bounds provider calls when the config does not.
const DefaultCallTimeout = 30 * time.Second

// Config tunes the pipeline.
type Config struct {
	// AuthRequired rejects unauthenticated sessions at the first stage.
	AuthRequired bool
	// DefaultCallTimeout bounds each provider call. Callers may request a
	// shorter timeout per call, never a longer one.
	DefaultCallTimeout time.Duration
	// CacheTTLs sets result lifetimes per method. Methods without an
	// entry use the defaults: one minute for tool calls, thirty seconds
	// for resource reads.
	CacheTTLs map[string]time.Duration
	// RateLimits configures the fixed-window limiter per method class.
	RateLimits ratelimit.Config
	// DenyPatterns adds input screening on top of the built-ins.
	DenyPatterns []string
	// RedactPatterns adds output scrubbing on top of the built-ins.
	RedactPatterns []string
	// RedactionMarker replaces scrubbed spans (default "[REDACTED]").
	RedactionMarker string
}

// Deps are the pipeline's collaborators. Registry is required; the rest
// degrade gracefully when absent.
type Deps struct {
	Registry  *registry.Registry
	Verifier  auth.Verifier
	Policy    *auth.Policy
	Cache     cache.Cache
	Collector observability.Collector
	Tracing   *observability.TracingProvider
	Logger    logging.Logger
}

// SendFunc delivers one outbound message on the session's transport.
type SendFunc func(ctx context.Context, msg *protocol.Message) error

// Pipeline executes requests. Safe for concurrent use.
type Pipeline struct {
	config    Config
	registry  *registry.Registry
	verifier  auth.Verifier
	policy    *auth.Policy
	cache     cache.Cache
	collector observability.Collector
	tracing   *observability.TracingProvider
	logger    logging.Logger
	limiter   *ratelimit.Limiter
	sanitizer *Sanitizer
	group     singleflight.Group
}

// New builds a pipeline.
func New(config Config, deps Deps) (*Pipeline, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("pipeline requires a registry")
	}
	if config.DefaultCallTimeout <= 0 {
		config.DefaultCallTimeout = DefaultCallTimeout
	}
	if config.CacheTTLs == nil {
		config.CacheTTLs = map[string]time.Duration{}
	}
	if _, ok := config.CacheTTLs[protocol.MethodCallTool]; !ok {
		config.CacheTTLs[protocol.MethodCallTool] = time.Minute
	}
	if _, ok := config.CacheTTLs[protocol.MethodReadResource]; !ok {
		config.CacheTTLs[protocol.MethodReadResource] = 30 * time.Second
	}
	if deps.Collector == nil {
		deps.Collector = observability.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	sanitizer, err := NewSanitizer(config.DenyPatterns, config.RedactPatterns, config.RedactionMarker)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		config:    config,
		registry:  deps.Registry,
		verifier:  deps.Verifier,
		policy:    deps.Policy,
		cache:     deps.Cache,
		collector: deps.Collector,
		tracing:   deps.Tracing,
		logger:    deps.Logger,
		limiter:   ratelimit.New(config.RateLimits),
		sanitizer: sanitizer,
	}, nil
}

// Authenticate resolves a handshake credential to an identity. An empty
// credential yields an anonymous session unless authentication is required.
func (p *Pipeline) Authenticate(ctx context.Context, credential string) (*auth.Identity, error) {
	if credential == "" {
		if p.config.AuthRequired {
			return nil, errors.Authentication("credential required")
		}
		return nil, nil
	}
	if p.verifier == nil {
		return nil, errors.Authentication("credentials are not accepted here")
	}
	return p.verifier.Verify(ctx, credential)
}

// SweepRateWindows drops idle rate limiter state. Meant to be called
// periodically by the serving layer.
func (p *Pipeline) SweepRateWindows(olderThan time.Duration) {
	p.limiter.Sweep(olderThan)
}

// InvalidateMethod drops every cached result for method, across all targets
// and callers. Called when a catalog changes under the method.
func (p *Pipeline) InvalidateMethod(ctx context.Context, method string) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.InvalidatePrefix(ctx, cache.KeyPrefix(method, ""))
}

// Handle runs one request through the stages and answers it on send. The
// returned error is non-nil only when the failure is fatal to the session.
func (p *Pipeline) Handle(ctx context.Context, sess *session.Session, msg *protocol.Message, send SendFunc) error {
	start := time.Now()

	if p.tracing != nil {
		var span trace.Span
		ctx, span = p.tracing.StartRequestSpan(ctx, msg.Method, sess.ID)
		defer span.End()
	}

	result, runErr := p.run(ctx, sess, msg)

	status := "ok"
	var fatal *errors.Error
	var resp *protocol.Message
	if runErr != nil {
		structured, ok := errors.As(runErr)
		if !ok {
			p.logger.Error("unclassified pipeline failure", logging.ErrorField(runErr))
			structured = errors.Internalize(runErr)
		}
		status = string(structured.Kind())
		if structured.Fatal() {
			fatal = structured
		}
		if p.tracing != nil {
			p.tracing.RecordError(ctx, structured)
		}
		resp = protocol.NewErrorResponse(msg.ID, structured.Code(), structured.Message(), errorData(structured))
	} else {
		built, err := protocol.NewResponse(msg.ID, result)
		if err != nil {
			internal := errors.Internalize(err)
			status = string(internal.Kind())
			resp = protocol.NewErrorResponse(msg.ID, internal.Code(), internal.Message(), errorData(internal))
		} else {
			resp = built
		}
	}

	p.collector.RecordRequest(ctx, msg.Method, status, time.Since(start))
	p.respond(ctx, sess, msg, resp, send)

	if fatal != nil {
		return fatal
	}
	return nil
}

// respond is the final stage. A response bound for a transport that has
// already closed is discarded; the caller is gone and nobody can observe it.
func (p *Pipeline) respond(ctx context.Context, sess *session.Session, msg *protocol.Message, resp *protocol.Message, send SendFunc) {
	start := time.Now()
	err := send(ctx, resp)

	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeError
		if errors.IsKind(err, errors.KindTransportClosed) {
			p.logger.Debug("discarding response, transport closed",
				logging.String("session_id", sess.ID),
				logging.String("method", msg.Method))
		} else {
			p.logger.Warn("send failed",
				logging.String("session_id", sess.ID),
				logging.ErrorField(err))
		}
	}

	p.collector.RecordStage(ctx, observability.StageEvent{
		Stage:         observability.StageRespond,
		Method:        msg.Method,
		SessionID:     sess.ID,
		CorrelationID: fmt.Sprintf("%v", msg.ID),
		Outcome:       outcome,
		Err:           err,
		Duration:      time.Since(start),
	})
}

func (p *Pipeline) run(ctx context.Context, sess *session.Session, msg *protocol.Message) (json.RawMessage, error) {
	req := p.parseRequest(msg)
	identity := sess.Identity()

	// Stage 1: authenticate.
	if err := p.stage(ctx, sess, msg, req.target, observability.StageAuthenticate, func() error {
		if p.config.AuthRequired && identity == nil {
			return errors.Authentication("authentication required")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if identity != nil {
		ctx = auth.ContextWithIdentity(ctx, identity)
	}

	// Stage 2: authorize.
	if err := p.stage(ctx, sess, msg, req.target, observability.StageAuthorize, func() error {
		if p.policy == nil {
			return nil
		}
		action := msg.Method
		if req.target != "" {
			action = msg.Method + ":" + req.target
		}
		if !p.policy.Allows(identity, action) {
			return errors.Authorization(identityName(identity), action)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Stage 3: validate and screen input. Listings carry no caller input,
	// so they go straight to rate limiting.
	var (
		tool     *registry.Tool
		prompt   *registry.Prompt
		resolved *registry.ResolvedResource
	)
	if !req.isList {
		if err := p.stage(ctx, sess, msg, req.target, observability.StageValidate, func() error {
			if req.parseErr != nil {
				return req.parseErr
			}
			switch msg.Method {
			case protocol.MethodCallTool:
				t, err := p.registry.LookupTool(req.target)
				if err != nil {
					return err
				}
				tool = t
				if err := p.validateArgs(t.InputSchema, req.args); err != nil {
					return err
				}
				return p.sanitizer.ScreenInput("arguments", req.args)
			case protocol.MethodReadResource:
				if err := p.sanitizer.ScreenInput("uri", []byte(req.uri)); err != nil {
					return err
				}
				r, err := p.registry.ResolveResource(req.uri)
				if err != nil {
					return err
				}
				resolved = r
				return nil
			case protocol.MethodGetPrompt:
				pr, err := p.registry.LookupPrompt(req.target)
				if err != nil {
					return err
				}
				prompt = pr
				if err := p.validateArgs(pr.InputSchema, req.args); err != nil {
					return err
				}
				return p.sanitizer.ScreenInput("arguments", req.args)
			default:
				return errors.NotFound("method", msg.Method)
			}
		}); err != nil {
			return nil, err
		}
	} else if req.parseErr != nil {
		return nil, req.parseErr
	}

	// Stage 4: rate limit, per identity and method.
	if err := p.stage(ctx, sess, msg, req.target, observability.StageRateLimit, func() error {
		decision := p.limiter.TryAcquire(identityName(identity), msg.Method)
		if !decision.Allowed {
			return errors.RateLimited(msg.Method, decision.RetryAfter)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Listings read the registry snapshot directly; there is nothing to
	// cache or dispatch.
	if req.isList {
		result, err := p.listing(msg.Method)
		if err != nil {
			return nil, err
		}
		return p.scrub(ctx, sess, msg, req.target, result), nil
	}

	// Stage 5: cache lookup.
	cacheTarget := req.target
	if resolved != nil {
		cacheTarget = resolved.Resource.Name
	}
	cacheable := p.cache != nil &&
		((tool != nil && tool.Cacheable) || resolved != nil)

	var key string
	if cacheable {
		canonical := req.uri
		if req.args != nil {
			var err error
			canonical, err = schema.Canonicalize(req.args)
			if err != nil {
				return nil, errors.Validation("arguments are not valid JSON")
			}
		}
		key = cache.Key(msg.Method, cacheTarget, identity.CacheClass(), canonical)

		if value, hit := p.cacheLookup(ctx, sess, msg, cacheTarget, key); hit {
			return p.scrub(ctx, sess, msg, req.target, value), nil
		}
	}

	// Stage 6: dispatch, with stage 7 (cache populate) folded into the
	// winning flight so identical concurrent calls invoke the provider
	// once.
	invoke := func() (json.RawMessage, error) {
		return p.dispatchCall(ctx, msg.Method, req, tool, prompt, resolved)
	}

	var result json.RawMessage
	if err := p.stage(ctx, sess, msg, req.target, observability.StageDispatch, func() error {
		if !cacheable {
			value, err := invoke()
			result = value
			return err
		}
		shared, err, _ := p.group.Do(key, func() (any, error) {
			value, err := invoke()
			if err != nil {
				return nil, err
			}
			p.cachePopulate(ctx, sess, msg, cacheTarget, key, value)
			return value, nil
		})
		if err != nil {
			return err
		}
		result = shared.(json.RawMessage)
		return nil
	}); err != nil {
		return nil, err
	}

	// Stage 8: sanitize output.
	return p.scrub(ctx, sess, msg, req.target, result), nil
}

func (p *Pipeline) cacheLookup(ctx context.Context, sess *session.Session, msg *protocol.Message, target, key string) (json.RawMessage, bool) {
	start := time.Now()
	value, ok, err := p.cache.Get(ctx, key)

	outcome := observability.OutcomeMiss
	if err != nil {
		// A broken cache degrades to a miss; the provider still answers.
		outcome = observability.OutcomeError
		p.logger.Warn("cache lookup failed", logging.ErrorField(err))
	} else if ok {
		outcome = observability.OutcomeHit
	}

	p.collector.RecordStage(ctx, observability.StageEvent{
		Stage:         observability.StageCacheLookup,
		Method:        msg.Method,
		Target:        target,
		SessionID:     sess.ID,
		CorrelationID: fmt.Sprintf("%v", msg.ID),
		Outcome:       outcome,
		Err:           err,
		Duration:      time.Since(start),
	})
	return value, ok && err == nil
}

func (p *Pipeline) cachePopulate(ctx context.Context, sess *session.Session, msg *protocol.Message, target, key string, value json.RawMessage) {
	start := time.Now()
	err := p.cache.Put(ctx, key, value, p.config.CacheTTLs[msg.Method])

	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeError
		p.logger.Warn("cache populate failed", logging.ErrorField(err))
	}

	p.collector.RecordStage(ctx, observability.StageEvent{
		Stage:         observability.StageCachePopulate,
		Method:        msg.Method,
		Target:        target,
		SessionID:     sess.ID,
		CorrelationID: fmt.Sprintf("%v", msg.ID),
		Outcome:       outcome,
		Err:           err,
		Duration:      time.Since(start),
	})
}

func (p *Pipeline) scrub(ctx context.Context, sess *session.Session, msg *protocol.Message, target string, result json.RawMessage) json.RawMessage {
	start := time.Now()
	scrubbed := p.sanitizer.ScrubOutput(result)
	p.collector.RecordStage(ctx, observability.StageEvent{
		Stage:         observability.StageSanitize,
		Method:        msg.Method,
		Target:        target,
		SessionID:     sess.ID,
		CorrelationID: fmt.Sprintf("%v", msg.ID),
		Outcome:       observability.OutcomeOK,
		Duration:      time.Since(start),
	})
	return scrubbed
}

// dispatchCall invokes the provider handler under the effective deadline.
// The handler runs on its own goroutine so a stuck provider cannot hold the
// pipeline past the deadline; panics become provider errors.
func (p *Pipeline) dispatchCall(ctx context.Context, method string, req *parsedRequest, tool *registry.Tool, prompt *registry.Prompt, resolved *registry.ResolvedResource) (json.RawMessage, error) {
	timeout := p.config.DefaultCallTimeout
	if req.timeout > 0 && req.timeout < timeout {
		timeout = req.timeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := req.target
	type outcome struct {
		value any
		err   error
	}
	results := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: errors.Provider(target, fmt.Errorf("panic: %v", r))}
			}
		}()
		switch method {
		case protocol.MethodCallTool:
			value, err := tool.Handler(cctx, req.args)
			results <- outcome{value: value, err: err}
		case protocol.MethodReadResource:
			value, err := resolved.Resource.Handler(cctx, req.uri, resolved.Vars)
			results <- outcome{value: value, err: err}
		case protocol.MethodGetPrompt:
			value, err := prompt.Handler(cctx, req.args)
			results <- outcome{value: value, err: err}
		default:
			results <- outcome{err: errors.NotFound("method", method)}
		}
	}()

	select {
	case out := <-results:
		if out.err != nil {
			if structured, ok := errors.As(out.err); ok {
				return nil, structured
			}
			return nil, errors.Provider(target, out.err)
		}
		raw, err := json.Marshal(out.value)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "encode provider result")
		}
		return raw, nil
	case <-cctx.Done():
		if cctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout(target, timeout)
		}
		return nil, errors.Wrap(cctx.Err(), errors.KindInternal, "request canceled")
	}
}

func (p *Pipeline) listing(method string) (json.RawMessage, error) {
	var payload any
	switch method {
	case protocol.MethodListTools:
		payload = protocol.ListToolsResult{Tools: p.registry.ListTools()}
	case protocol.MethodListResources:
		payload = protocol.ListResourcesResult{Resources: p.registry.ListResources()}
	case protocol.MethodListPrompts:
		payload = protocol.ListPromptsResult{Prompts: p.registry.ListPrompts()}
	default:
		return nil, errors.NotFound("method", method)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode listing")
	}
	return raw, nil
}

func (p *Pipeline) validateArgs(raw json.RawMessage, args json.RawMessage) error {
	s, err := schema.Parse(raw)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "registered schema is invalid")
	}
	violations := schema.Validate(s, args)
	if len(violations) > 0 {
		return errors.Validation(violations[0].String(), schema.FieldNames(violations)...)
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, sess *session.Session, msg *protocol.Message, target string, name observability.Stage, fn func() error) error {
	start := time.Now()
	err := fn()

	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeError
	}
	p.collector.RecordStage(ctx, observability.StageEvent{
		Stage:         name,
		Method:        msg.Method,
		Target:        target,
		SessionID:     sess.ID,
		CorrelationID: fmt.Sprintf("%v", msg.ID),
		Outcome:       outcome,
		Err:           err,
		Duration:      time.Since(start),
	})
	return err
}

// parsedRequest is the request after parameter decoding. Parse failures are
// carried to the validate stage so earlier stages still run in order.
type parsedRequest struct {
	target   string
	uri      string
	args     json.RawMessage
	timeout  time.Duration
	isList   bool
	parseErr error
}

func (p *Pipeline) parseRequest(msg *protocol.Message) *parsedRequest {
	req := &parsedRequest{}
	if protocol.IsListMethod(msg.Method) {
		req.isList = true
		return req
	}
	switch msg.Method {
	case protocol.MethodCallTool:
		var params protocol.CallToolParams
		if err := decodeParams(msg.Params, &params); err != nil {
			req.parseErr = err
			return req
		}
		if params.Name == "" {
			req.parseErr = errors.Validation("tool name is required", "name")
			return req
		}
		req.target = params.Name
		req.args = params.Arguments
		if params.TimeoutSeconds > 0 {
			req.timeout = time.Duration(params.TimeoutSeconds) * time.Second
		}
	case protocol.MethodReadResource:
		var params protocol.ReadResourceParams
		if err := decodeParams(msg.Params, &params); err != nil {
			req.parseErr = err
			return req
		}
		if params.URI == "" {
			req.parseErr = errors.Validation("resource uri is required", "uri")
			return req
		}
		req.target = params.URI
		req.uri = params.URI
	case protocol.MethodGetPrompt:
		var params protocol.GetPromptParams
		if err := decodeParams(msg.Params, &params); err != nil {
			req.parseErr = err
			return req
		}
		if params.Name == "" {
			req.parseErr = errors.Validation("prompt name is required", "name")
			return req
		}
		req.target = params.Name
		req.args = params.Arguments
	default:
		req.parseErr = errors.NotFound("method", msg.Method)
	}
	return req
}

func decodeParams(raw json.RawMessage, into any) error {
	if raw == nil {
		return errors.Validation("params are required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Validation("malformed params")
	}
	return nil
}

func identityName(identity *auth.Identity) string {
	if identity == nil {
		return "anonymous"
	}
	return identity.ID
}

func errorData(e *errors.Error) *protocol.ErrorData {
	data := &protocol.ErrorData{Kind: string(e.Kind())}
	if fields := e.Fields(); len(fields) > 0 {
		data.Fields = fields
	}
	if retry := e.RetryAfter(); retry > 0 {
		seconds := int64(retry / time.Second)
		if seconds == 0 {
			seconds = 1
		}
		data.RetryAfterSeconds = seconds
	}
	return data
}
