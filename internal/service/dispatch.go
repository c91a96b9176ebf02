package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/callpool"
	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/event"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/sessionstore"
	"github.com/droverhq/drover/internal/port/transport"
	"github.com/droverhq/drover/internal/resilience"
	"github.com/droverhq/drover/internal/secrets"
)

const (
	// breakerFailures / breakerCooldown guard each tool server's circuit.
	breakerFailures = 5
	breakerCooldown = 30 * time.Second

	// resultPreviewLen bounds tool output carried inside progress events.
	resultPreviewLen = 200
)

// DispatchService resolves and invokes tool-call batches. Each call finds
// its owning server in the registry, obtains credentials from the session
// store when the server requires them, and goes out over the server's
// transport. Failures of any kind become error-flagged responses correlated
// by tool_id; the batch always returns one response per call and is never
// retried here.
type DispatchService struct {
	registry *ToolServerRegistry
	sessions sessionstore.Store
	pool     *callpool.Pool
	breakers *resilience.Group

	vault       *secrets.Vault
	metrics     *otel.Metrics
	credDir     string
	callTimeout time.Duration
}

// NewDispatchService creates a DispatchService. The session store may be
// nil when no registered server requires auth; the pool bounds batch
// concurrency and may be nil for unbounded dispatch.
func NewDispatchService(registry *ToolServerRegistry, sessions sessionstore.Store, pool *callpool.Pool) *DispatchService {
	return &DispatchService{
		registry: registry,
		sessions: sessions,
		pool:     pool,
		breakers: resilience.NewGroup(breakerFailures, breakerCooldown),
		credDir:  filepath.Join(os.TempDir(), "drover-credentials"),
	}
}

// SetVault supplies secret values for credential templates and output
// scrubbing.
func (d *DispatchService) SetVault(v *secrets.Vault) { d.vault = v }

// SetMetrics enables per-call instrumentation.
func (d *DispatchService) SetMetrics(m *otel.Metrics) { d.metrics = m }

// SetCallTimeout bounds each tool invocation; zero means no per-call
// ceiling beyond the run context.
func (d *DispatchService) SetCallTimeout(timeout time.Duration) { d.callTimeout = timeout }

// SetCredentialDir overrides where per-run credential files materialize.
func (d *DispatchService) SetCredentialDir(dir string) { d.credDir = dir }

// BreakerStates reports each tool server's circuit state.
func (d *DispatchService) BreakerStates() map[string]string { return d.breakers.States() }

// ExecuteBatch dispatches every call concurrently under the pool and
// returns responses in call order, correlated one-to-one by tool_id. A
// failing call never affects its batch siblings. The batch runs detached
// from the caller's cancellation: once dispatch begins, every call
// completes (bounded by the per-call timeout) before control returns, so
// cancellation takes effect at the next iteration boundary.
func (d *DispatchService) ExecuteBatch(ctx context.Context, ectx *run.ExecutorContext, iteration int, calls []run.ToolCall) []run.ToolResponse {
	batchCtx := context.WithoutCancel(ctx)
	responses := make([]run.ToolResponse, len(calls))
	errs := callpool.Map(batchCtx, d.pool, len(calls), func(ctx context.Context, i int) error {
		responses[i] = d.dispatchOne(ctx, ectx, iteration, calls[i])
		return nil
	})
	for i, err := range errs {
		if err != nil {
			responses[i] = run.ToolResponse{
				ID:      calls[i].ID,
				Name:    calls[i].Name,
				Content: fmt.Sprintf("dispatch aborted: %v", err),
				IsError: true,
			}
		}
	}
	return responses
}

// Cleanup removes the credential directory materialized for a run.
func (d *DispatchService) Cleanup(runID string) {
	if runID == "" {
		return
	}
	_ = os.RemoveAll(filepath.Join(d.credDir, runID))
}

// dispatchOne resolves and invokes a single call, mapping every failure to
// an error-flagged response.
func (d *DispatchService) dispatchOne(ctx context.Context, ectx *run.ExecutorContext, iteration int, call run.ToolCall) run.ToolResponse {
	start := time.Now()

	def, err := d.registry.ResolveServer(ctx, call.Name)
	if err != nil {
		return d.failed(ctx, ectx, iteration, call, start, "", err)
	}

	ctx, span := otel.StartToolCallSpan(ctx, call.ID, call.Name, def.Name)
	defer span.End()

	ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeToolCalled, event.ToolCalledPayload{
		Iteration: iteration,
		ToolID:    call.ID,
		Tool:      call.Name,
	}))

	session, err := d.resolveSession(ctx, def, ectx)
	if err != nil {
		return d.failed(ctx, ectx, iteration, call, start, def.Name, err)
	}

	opts, err := d.callOptions(def, session, ectx)
	if err != nil {
		return d.failed(ctx, ectx, iteration, call, start, def.Name, err)
	}

	conn, err := d.registry.conn(ctx, def.Name)
	if err != nil {
		return d.failed(ctx, ectx, iteration, call, start, def.Name, err)
	}

	var result *transport.Result
	err = d.breakers.For(def.Name).Execute(func() error {
		callCtx := ctx
		if d.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
			defer cancel()
		}
		var callErr error
		result, callErr = conn.CallTool(callCtx, call.Name, call.Input, opts)
		return callErr
	})
	if err != nil {
		return d.failed(ctx, ectx, iteration, call, start, def.Name,
			fmt.Errorf("call %s on %s: %w: %w", call.Name, def.Name, err, domain.ErrToolExecution))
	}

	content := result.Content
	if d.vault != nil {
		content = d.vault.RedactString(content)
	}

	resp := run.ToolResponse{
		ID:       call.ID,
		Name:     call.Name,
		Content:  content,
		IsError:  result.IsError,
		Duration: time.Since(start),
	}
	d.observe(ctx, ectx, iteration, resp, def.Name)
	return resp
}

// failed builds the error-flagged response for a call that never produced
// a transport result.
func (d *DispatchService) failed(ctx context.Context, ectx *run.ExecutorContext, iteration int, call run.ToolCall, start time.Time, server string, err error) run.ToolResponse {
	resp := run.ToolResponse{
		ID:       call.ID,
		Name:     call.Name,
		Content:  err.Error(),
		IsError:  true,
		Duration: time.Since(start),
	}
	d.observe(ctx, ectx, iteration, resp, server)
	return resp
}

// observe emits the result event and records instrumentation for one
// completed call.
func (d *DispatchService) observe(ctx context.Context, ectx *run.ExecutorContext, iteration int, resp run.ToolResponse, server string) {
	preview := resp.Content
	if len(preview) > resultPreviewLen {
		preview = preview[:resultPreviewLen]
	}
	ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeToolResult, event.ToolResultPayload{
		Iteration: iteration,
		ToolID:    resp.ID,
		Tool:      resp.Name,
		IsError:   resp.IsError,
		Preview:   preview,
	}))

	if d.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("tool", resp.Name),
			attribute.String("server", server),
			attribute.Bool("error", resp.IsError),
		)
		d.metrics.ToolCalls.Add(ctx, 1, attrs)
		d.metrics.ToolDuration.Record(ctx, resp.Duration.Seconds(), attrs)
	}
}

// resolveSession looks up credentials for a server that declares them.
// Absence is valid unless the server requires auth, in which case it is an
// AuthRequired failure for this call only.
func (d *DispatchService) resolveSession(ctx context.Context, def *mcp.ServerDef, ectx *run.ExecutorContext) (*mcp.Session, error) {
	if def.AuthSessionKey == "" && !def.AuthRequired {
		return nil, nil
	}
	if d.sessions == nil {
		if def.AuthRequired {
			return nil, fmt.Errorf("no session store configured for %q: %w", def.Name, domain.ErrAuthRequired)
		}
		return nil, nil
	}

	scope := sessionstore.Scope{Server: def.Name, UserID: ectx.UserID, SessionID: ectx.SessionID}
	if def.AuthSessionKey != "" {
		scope.Server = def.AuthSessionKey
	}

	session, found, err := d.sessions.Get(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolve session for %q: %w", def.Name, err)
	}
	if !found {
		if def.AuthRequired {
			return nil, fmt.Errorf("session %q absent, re-authorization needed: %w", scope.Server, domain.ErrAuthRequired)
		}
		return nil, nil
	}
	return session, nil
}

// callOptions maps the resolved session onto the transport: a bearer
// header for remote transports, an environment variable for stdio, and
// credential files rendered into the run's credential directory.
func (d *DispatchService) callOptions(def *mcp.ServerDef, session *mcp.Session, ectx *run.ExecutorContext) (transport.CallOptions, error) {
	var opts transport.CallOptions

	if session != nil && session.Token != "" {
		switch def.Transport {
		case mcp.TransportStdio:
			opts.Env = map[string]string{"MCP_SESSION_TOKEN": session.Token}
		default:
			opts.Headers = map[string]string{"Authorization": "Bearer " + session.Token}
		}
	}

	if len(def.CredentialFiles) > 0 {
		dir, err := d.materializeCredentials(def, session, ectx.RunID)
		if err != nil {
			return opts, err
		}
		if opts.Env == nil {
			opts.Env = make(map[string]string, 1)
		}
		opts.Env["DROVER_CREDENTIALS_DIR"] = dir
	}
	return opts, nil
}

// materializeCredentials renders the server's credential templates into a
// per-run directory. Template values come from the vault, overlaid with the
// session token and expiry.
func (d *DispatchService) materializeCredentials(def *mcp.ServerDef, session *mcp.Session, runID string) (string, error) {
	values := make(map[string]string)
	if d.vault != nil {
		values = d.vault.Snapshot()
	}
	if session != nil {
		values["TOKEN"] = session.Token
		if session.ExpiresAt != nil {
			values["EXPIRY"] = session.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}

	dir := filepath.Join(d.credDir, runID, def.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create credential dir: %w: %w", err, domain.ErrToolExecution)
	}
	for _, f := range def.CredentialFiles {
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return "", fmt.Errorf("create credential dir for %s: %w: %w", f.Path, err, domain.ErrToolExecution)
		}
		body := mcp.Render(f.Template, values)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return "", fmt.Errorf("write credential file %s: %w: %w", f.Path, err, domain.ErrToolExecution)
		}
	}
	return dir, nil
}
