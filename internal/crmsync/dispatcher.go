package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Options configures an Engine. Zero values get working in-memory defaults
// so tests and local runs need no external services.
type Options struct {
	Connections   ConnectionStore
	Segments      SegmentCache
	Platform      PlatformClient
	CRMFactory    CRMClientFactory
	Renderer      SettingsRenderer
	AllowList     *ActivityAllowList
	Feed          *OutcomeFeed
	Metrics       *Metrics
	Logger        *zap.Logger
	SweepPageSize int
}

// Engine is the event synchronization engine: it routes inbound envelopes to
// the member, segment, and activity synchronizers and owns no long-lived
// state beyond the segment cache. Handlers are idempotent; the engine never
// retries — at-least-once webhook redelivery is the retry loop.
type Engine struct {
	connections   ConnectionStore
	segments      SegmentCache
	platform      PlatformClient
	crmFactory    CRMClientFactory
	renderer      SettingsRenderer
	allowList     *ActivityAllowList
	feed          *OutcomeFeed
	metrics       *Metrics
	logger        *zap.Logger
	sweepPageSize int
}

func NewEngine(opts Options) *Engine {
	connections := opts.Connections
	if connections == nil {
		connections = NewInMemoryConnectionStore()
	}
	segments := opts.Segments
	if segments == nil {
		segments = NewInMemorySegmentCache()
	}
	crmFactory := opts.CRMFactory
	if crmFactory == nil {
		crmFactory = func(conn *Connection) CRMClient {
			return NewMailchimpClient(MailchimpClientOptions{
				BaseURL:     conn.APIEndpoint,
				AccessToken: conn.AccessToken,
				AudienceID:  conn.AudienceID,
			})
		}
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = NewTemplateSettingsRenderer()
	}
	allowList := opts.AllowList
	if allowList == nil {
		allowList = DefaultActivityAllowList()
	}
	feed := opts.Feed
	if feed == nil {
		feed = NewOutcomeFeed(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sweepPageSize := opts.SweepPageSize
	if sweepPageSize <= 0 {
		sweepPageSize = 10
	}
	return &Engine{
		connections:   connections,
		segments:      segments,
		platform:      opts.Platform,
		crmFactory:    crmFactory,
		renderer:      renderer,
		allowList:     allowList,
		feed:          feed,
		metrics:       opts.Metrics,
		logger:        logger,
		sweepPageSize: sweepPageSize,
	}
}

// Feed exposes the outcome feed for the ops surface.
func (e *Engine) Feed() *OutcomeFeed {
	return e.feed
}

// HandleEvent processes one raw webhook envelope and always returns a result
// envelope; nothing escapes this boundary. The sender retries FAILED
// deliveries, so transient CRM failures surface as FAILED while anything
// unrecoverable (malformed envelope, unconfigured tenant) reports SUCCEEDED
// or a specific error code to stop the redelivery loop.
func (e *Engine) HandleEvent(ctx context.Context, raw []byte) (result ResultEnvelope) {
	var env EventEnvelope
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while handling event", zap.Any("panic", r), zap.String("type", env.Type))
			result = failed(env.Type)
		}
		e.metrics.observeEvent(result.Type, result.Status)
		e.feed.Record(Outcome{
			Type:      result.Type,
			NetworkID: env.NetworkID,
			EventName: env.Data.Name,
			Status:    result.Status,
			Error:     result.ErrorMessage,
		})
	}()

	env, err := ParseEnvelope(raw)
	if err != nil {
		e.logger.Warn("rejecting malformed envelope", zap.Error(err))
		result = failed(env.Type)
		result.ErrorCode = "INVALID_ENVELOPE"
		result.ErrorMessage = err.Error()
		return result
	}

	// Liveness verification must never depend on tenant state.
	if env.Data.Challenge != "" {
		return succeeded(TypeTest, map[string]any{"challenge": env.Data.Challenge})
	}

	result, err = e.dispatch(ctx, env)
	if err != nil {
		e.metrics.observeCRMError(err)
		e.logger.Error("event handling failed",
			zap.String("type", env.Type),
			zap.String("networkId", env.NetworkID),
			zap.String("event", env.Data.Name),
			zap.Error(err))
		if result.Status == "" {
			result = failed(env.Type)
		}
	}
	return result
}

func (e *Engine) dispatch(ctx context.Context, env EventEnvelope) (ResultEnvelope, error) {
	switch env.Type {
	case TypeTest:
		return succeeded(env.Type, map[string]any{"challenge": env.Data.Challenge}), nil
	case TypeGetSettings:
		return e.handleSettingsGet(env), nil
	case TypeUpdateSettings:
		return e.handleSettingsUpdate(env), nil
	case TypeLoadBlock:
		return e.handleSettingsRender(ctx, env)
	case TypeCallbackBlock, TypeCallback:
		return e.handleSettingsCallback(ctx, env)
	case TypeInteraction:
		if strings.TrimSpace(env.Data.CallbackID) != "" {
			return e.handleSettingsCallback(ctx, env)
		}
		return e.handleSettingsRender(ctx, env)
	case TypeSubscription:
		return e.handleSubscription(ctx, env)
	case TypeAppUninstalled:
		return e.handleUninstall(ctx, env)
	default:
		// The schema closes the type set; this is unreachable for
		// validated envelopes.
		return failed(env.Type), fmt.Errorf("%w: unhandled envelope type %q", ErrInvalidInput, env.Type)
	}
}

// handleSubscription routes platform occurrence events to the synchronizers
// and then, when the tenant opted in, forwards the activity to the CRM
// timeline. An unconfigured tenant short-circuits to a no-op success: the
// sender must not retry events the tenant cannot consume yet.
func (e *Engine) handleSubscription(ctx context.Context, env EventEnvelope) (ResultEnvelope, error) {
	conn, err := e.connections.Get(ctx, env.NetworkID)
	if err != nil {
		return failed(env.Type), err
	}
	if !conn.Configured() {
		return succeeded(env.Type, nil), nil
	}
	crm := e.crmFactory(conn)

	switch env.Data.Name {
	case "member.verified", "member.updated":
		var member Member
		if err := decodeObject(env.Data.Object, &member); err != nil {
			return failed(env.Type), err
		}
		if err := e.syncMember(ctx, crm, conn, member); err != nil {
			return failed(env.Type), err
		}
	case "space.created", "space.updated":
		var space Space
		if err := decodeObject(env.Data.Object, &space); err != nil {
			return failed(env.Type), err
		}
		if err := e.syncSpace(ctx, crm, conn, space); err != nil {
			return failed(env.Type), err
		}
	case "space_membership.created", "space_membership.deleted":
		var obj membershipObject
		if err := decodeObject(env.Data.Object, &obj); err != nil {
			return failed(env.Type), err
		}
		if err := e.syncMembership(ctx, crm, conn, env.Data.Name, obj); err != nil {
			return failed(env.Type), err
		}
	}

	if conn.SendEvents {
		if err := e.forwardActivity(ctx, crm, conn, env.Data); err != nil {
			return failed(env.Type), err
		}
	}
	return succeeded(env.Type, nil), nil
}

// handleUninstall cascades: the tenant's connection goes away together with
// every segment cache entry it accumulated. Both deletes are idempotent, so
// redelivered uninstalls succeed too.
func (e *Engine) handleUninstall(ctx context.Context, env EventEnvelope) (ResultEnvelope, error) {
	if err := e.connections.Delete(ctx, env.NetworkID); err != nil {
		return failed(env.Type), err
	}
	if err := e.segments.DeleteAll(ctx, env.NetworkID); err != nil {
		return failed(env.Type), err
	}
	e.logger.Info("tenant uninstalled, connection and segment cache removed",
		zap.String("networkId", env.NetworkID))
	return succeeded(env.Type, nil), nil
}

func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: event object is missing", ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
