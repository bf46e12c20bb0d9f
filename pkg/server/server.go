// Package server ties the runtime together: it owns the registry, the
// negotiator and the pipeline, runs one ordered message loop per transport,
// and pushes list_changed notifications when the registry moves underneath
// negotiated sessions.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dispatchkit/dispatchkit/pkg/auth"
	"github.com/dispatchkit/dispatchkit/pkg/cache"
	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/logging"
	"github.com/dispatchkit/dispatchkit/pkg/observability"
	"github.com/dispatchkit/dispatchkit/pkg/pipeline"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
	"github.com/dispatchkit/dispatchkit/pkg/registry"
	"github.com/dispatchkit/dispatchkit/pkg/session"
	"github.com/dispatchkit/dispatchkit/pkg/transport"
)

// DefaultProtocolVersions the server speaks, newest first.
var DefaultProtocolVersions = []string{"2025-03-26", "2024-11-05"}

// Config configures a server.
type Config struct {
	// Info identifies the server in handshake acknowledgements.
	Info protocol.ServerInfo
	// SupportedVersions overrides DefaultProtocolVersions.
	SupportedVersions []string
	// Capabilities offered to callers (default all).
	Capabilities []string
	// Pipeline tunes the request pipeline.
	Pipeline pipeline.Config
	// SweepInterval between rate limiter cleanups (default 5m).
	SweepInterval time.Duration
}

// Deps are the server's pluggable collaborators. All are optional; a zero
// Deps yields a server with a fresh registry, no authentication, no policy
// and no cache.
type Deps struct {
	Registry  *registry.Registry
	Verifier  auth.Verifier
	Policy    *auth.Policy
	Cache     cache.Cache
	Collector observability.Collector
	Tracing   *observability.TracingProvider
	Logger    logging.Logger
}

// Server hosts capability providers behind exchangeable transports.
type Server struct {
	config     Config
	logger     logging.Logger
	collector  observability.Collector
	registry   *registry.Registry
	pipeline   *pipeline.Pipeline
	negotiator *session.Negotiator

	mu     sync.RWMutex
	active map[*session.Session]transport.Transport
}

// New creates a server.
func New(config Config, deps Deps) (*Server, error) {
	if len(config.SupportedVersions) == 0 {
		config.SupportedVersions = DefaultProtocolVersions
	}
	if len(config.Capabilities) == 0 {
		config.Capabilities = []string{
			protocol.CapabilityResources,
			protocol.CapabilityTools,
			protocol.CapabilityPrompts,
		}
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Collector == nil {
		deps.Collector = observability.Nop{}
	}

	pipe, err := pipeline.New(config.Pipeline, pipeline.Deps{
		Registry:  deps.Registry,
		Verifier:  deps.Verifier,
		Policy:    deps.Policy,
		Cache:     deps.Cache,
		Collector: deps.Collector,
		Tracing:   deps.Tracing,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		logger:    deps.Logger,
		collector: deps.Collector,
		registry:  deps.Registry,
		pipeline:  pipe,
		negotiator: session.NewNegotiator(config.Info, config.SupportedVersions,
			protocol.NewCapabilitySet(config.Capabilities...)),
		active: make(map[*session.Session]transport.Transport),
	}
	deps.Registry.OnChange(s.onCatalogChange)
	return s, nil
}

// RegisterTool adds a tool provider.
func (s *Server) RegisterTool(t *registry.Tool) error { return s.registry.RegisterTool(t) }

// RegisterResource adds a resource provider.
func (s *Server) RegisterResource(r *registry.Resource) error { return s.registry.RegisterResource(r) }

// RegisterPrompt adds a prompt provider.
func (s *Server) RegisterPrompt(p *registry.Prompt) error { return s.registry.RegisterPrompt(p) }

// Registry exposes the underlying registry for removal and listing.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Serve runs the message loop for one transport until the context ends, the
// transport closes, or a fatal protocol error occurs. The transport is
// always closed on the way out.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	if err := t.Open(ctx); err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	sess := session.New()
	s.collector.AddActiveSessions(1)
	s.track(sess, t)
	defer func() {
		s.untrack(sess)
		sess.Close()
		s.collector.AddActiveSessions(-1)
	}()

	s.logger.Info("session started", logging.String("session_id", sess.ID))

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if errors.IsKind(err, errors.KindTransportClosed) {
				s.logger.Info("session ended", logging.String("session_id", sess.ID))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch {
		case msg.IsNotification():
			// Inbound notifications are fire-and-forget; nothing is
			// routed today.
			s.logger.Debug("ignoring notification",
				logging.String("session_id", sess.ID),
				logging.String("method", msg.Method))

		case !msg.IsRequest():
			s.logger.Debug("ignoring stray response",
				logging.String("session_id", sess.ID))

		case msg.Method == protocol.MethodInitialize:
			if err := s.handshake(ctx, sess, t, msg); err != nil {
				return err
			}

		default:
			if err := s.negotiator.Admit(sess, msg.Method); err != nil {
				fatal := s.reject(ctx, sess, t, msg, err)
				if fatal != nil {
					return fatal
				}
				continue
			}
			if err := s.pipeline.Handle(ctx, sess, msg, t.Send); err != nil {
				// Only fatal errors surface from Handle.
				s.logger.Warn("closing session",
					logging.String("session_id", sess.ID),
					logging.ErrorField(err))
				return nil
			}
		}
	}
}

// ServeSessions serves every transport arriving on sessions, typically an
// HTTP handler's handshake stream, until the context ends. The rate limiter
// sweeper runs alongside.
func (s *Server) ServeSessions(ctx context.Context, sessions <-chan transport.Transport) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.pipeline.SweepRateWindows(2 * s.config.SweepInterval)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case t, ok := <-sessions:
				if !ok {
					return nil
				}
				g.Go(func() error {
					if err := s.Serve(gctx, t); err != nil && gctx.Err() == nil {
						s.logger.Warn("session failed", logging.ErrorField(err))
					}
					return nil
				})
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// handshake answers an initialize request. Ordering and version violations
// are answered and then close the session.
func (s *Server) handshake(ctx context.Context, sess *session.Session, t transport.Transport, msg *protocol.Message) error {
	var params protocol.InitializeParams
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.reject(ctx, sess, t, msg, errors.Validation("malformed handshake params"))
		}
	}

	identity, err := s.pipeline.Authenticate(ctx, params.Credential)
	if err != nil {
		return s.reject(ctx, sess, t, msg, err)
	}

	result, err := s.negotiator.Handshake(sess, &params)
	if err != nil {
		return s.reject(ctx, sess, t, msg, err)
	}
	sess.SetIdentity(identity)

	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return s.reject(ctx, sess, t, msg, errors.Internalize(err))
	}
	if err := t.Send(ctx, resp); err != nil {
		return nil
	}

	s.logger.Info("session negotiated",
		logging.String("session_id", sess.ID),
		logging.String("protocol_version", result.ProtocolVersion),
		logging.String("identity", identityLabel(identity)),
	)
	return nil
}

// reject answers msg with err. The returned error is non-nil when the
// failure is fatal and the session loop must stop.
func (s *Server) reject(ctx context.Context, sess *session.Session, t transport.Transport, msg *protocol.Message, err error) error {
	structured, ok := errors.As(err)
	if !ok {
		structured = errors.Internalize(err)
	}

	data := &protocol.ErrorData{Kind: string(structured.Kind())}
	if fields := structured.Fields(); len(fields) > 0 {
		data.Fields = fields
	}
	resp := protocol.NewErrorResponse(msg.ID, structured.Code(), structured.Message(), data)
	_ = t.Send(ctx, resp)

	if structured.Fatal() {
		s.logger.Warn("closing session",
			logging.String("session_id", sess.ID),
			logging.ErrorField(structured))
		return structured
	}
	return nil
}

// onCatalogChange invalidates cached results under the changed catalog and
// fans the matching list_changed notification out to negotiated sessions.
func (s *Server) onCatalogChange(catalog string) {
	ctx := context.Background()

	var method, notification, capability string
	switch catalog {
	case registry.CatalogTools:
		method = protocol.MethodCallTool
		notification = protocol.NotificationToolsChanged
		capability = protocol.CapabilityTools
	case registry.CatalogResources:
		method = protocol.MethodReadResource
		notification = protocol.NotificationResourcesChanged
		capability = protocol.CapabilityResources
	case registry.CatalogPrompts:
		notification = protocol.NotificationPromptsChanged
		capability = protocol.CapabilityPrompts
	default:
		return
	}

	if method != "" {
		if err := s.pipeline.InvalidateMethod(ctx, method); err != nil {
			s.logger.Warn("cache invalidation failed",
				logging.String("catalog", catalog),
				logging.ErrorField(err))
		}
	}

	note, err := protocol.NewNotification(notification, nil)
	if err != nil {
		return
	}

	s.mu.RLock()
	targets := make(map[*session.Session]transport.Transport, len(s.active))
	for sess, t := range s.active {
		targets[sess] = t
	}
	s.mu.RUnlock()

	for sess, t := range targets {
		if sess.State() != session.StateNegotiated || !sess.Capabilities().Has(capability) {
			continue
		}
		if err := t.Send(ctx, note); err != nil {
			s.logger.Debug("list_changed not delivered",
				logging.String("session_id", sess.ID),
				logging.ErrorField(err))
		}
	}
}

func (s *Server) track(sess *session.Session, t transport.Transport) {
	s.mu.Lock()
	s.active[sess] = t
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.active, sess)
	s.mu.Unlock()
}

func identityLabel(identity *auth.Identity) string {
	if identity == nil {
		return "anonymous"
	}
	return identity.ID
}
