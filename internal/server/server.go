// Package server orchestrates all components: COMMS client, store,
// protocol engine, lifecycle notifier, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-comms/internal/agent"
	"github.com/morezero/agent-comms/internal/config"
	"github.com/morezero/agent-comms/pkg/auth"
	"github.com/morezero/agent-comms/pkg/commsutil"
	"github.com/morezero/agent-comms/pkg/engine"
	"github.com/morezero/agent-comms/pkg/events"
	"github.com/morezero/agent-comms/pkg/metric"
	"github.com/morezero/agent-comms/pkg/store"
	"github.com/morezero/agent-comms/pkg/stream"
)

const logPrefix = "server:server"

// Server is the agent-comms orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	st         store.Store
	eng        *engine.Engine
	metrics    *metric.Metrics
	httpServer *http.Server

	mu            sync.Mutex
	activeStreams map[string]*activeStream
}

// activeStream tracks one in-flight streaming request so a cancel
// signal can reach its producer.
type activeStream struct {
	cancel context.CancelFunc
	frames *stream.Reader
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting agent-comms as %s", logPrefix, cfg.AgentID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{
		cfg:           cfg,
		metrics:       metric.New(cfg.AgentID),
		activeStreams: make(map[string]*activeStream),
	}

	// Step 1: Credential table
	var validator auth.ValidateFunc
	if cfg.AuthEnabled {
		grants, err := auth.LoadTokenFile(cfg.TokenFile)
		if err != nil {
			return fmt.Errorf("%s - failed to load token file: %w", logPrefix, err)
		}
		validator = auth.StaticValidator(grants)
	}

	// Step 2: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 3: Store backend
	st, err := buildStore(ctx, cfg)
	if err != nil {
		nc.Close()
		return err
	}
	s.st = st

	// Step 4: Engine with the agent method catalogue
	s.eng = engine.New(engine.Config{
		Identity:         cfg.AgentID,
		AuthEnabled:      cfg.AuthEnabled,
		Validator:        validator,
		Metrics:          s.metrics,
		DiagnosticErrors: cfg.DiagnosticErrors,
	})
	notifier := buildNotifier(nc, cfg)
	agent.NewService(cfg.AgentID, st, notifier).RegisterAll(s.eng)

	// Step 5: Subscribe to the agent's request and cancel subjects
	requestSubject := commsutil.AgentSubject(cfg.AgentID)
	sub, err := nc.Subscribe(requestSubject, s.handleRequest(ctx))
	if err != nil {
		st.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, requestSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, requestSubject))

	cancelSubject := commsutil.CancelSubject(cfg.AgentID)
	cancelSub, err := nc.Subscribe(cancelSubject, s.handleCancel)
	if err != nil {
		sub.Unsubscribe()
		st.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, cancelSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, cancelSubject))

	// Step 6: Start HTTP health server
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", s.metrics.Handler())

	httpAddr := cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Agent %s is ready", logPrefix, cfg.AgentID))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	sub.Unsubscribe()
	cancelSub.Unsubscribe()
	s.cancelAllStreams()
	s.httpServer.Shutdown(ctx)
	nc.Drain()
	st.Close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// buildStore creates the configured store backend, running migrations
// for postgres when enabled.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		if cfg.RunMigrations {
			migrationSQL, err := store.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := store.RunMigrations(ctx, pool, migrationSQL); err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		return store.NewPostgresStore(pool), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// buildNotifier wires the lifecycle notifier: COMMS-backed when
// subscribers are configured, otherwise a no-op.
func buildNotifier(nc *comms.Conn, cfg *config.Config) events.Notifier {
	if len(cfg.EventSubscribers) == 0 {
		return &events.NoOpNotifier{}
	}
	return events.NewCommsNotifier(nc, cfg.AgentID, &events.CommsNotifierOpts{
		Subscribers: cfg.EventSubscribers,
	})
}

// handleRequest is the COMMS message handler for the agent's request
// subject. Unary requests are answered with one response envelope on
// the reply subject; streaming requests pump frames to it until the
// terminal frame.
func (s *Server) handleRequest(ctx context.Context) comms.MsgHandler {
	return func(msg *comms.Msg) {
		credential := msg.Header.Get(commsutil.HeaderAuthorization)

		// The wire shape is decided before dispatch: streams are pumped
		// frame by frame, everything else gets one envelope.
		var head struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		_ = json.Unmarshal(msg.Data, &head)

		if !s.eng.Streaming(head.Method) {
			reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()

			result := s.eng.Handle(reqCtx, msg.Data, credential)
			s.respond(msg, result.Response)
			return
		}

		result := s.eng.Handle(ctx, msg.Data, credential)
		if result.Response != nil {
			// Validation or authorization failed before the stream started.
			s.respond(msg, result.Response)
			return
		}
		if msg.Reply == "" {
			slog.Warn(fmt.Sprintf("%s - streaming request %s without reply subject, dropping", logPrefix, head.ID))
			result.Cancel()
			result.Frames.Cancel()
			return
		}

		s.trackStream(head.ID, result)
		go s.pumpFrames(ctx, head.ID, msg.Reply, result)
	}
}

// pumpFrames forwards stream frames to the caller's reply subject, one
// at a time, until the terminal frame or cancellation. Every early
// return cancels the result so the producer side is released.
func (s *Server) pumpFrames(ctx context.Context, id, reply string, result *engine.Result) {
	defer s.dropStream(id)

	for {
		f, err := result.Frames.Next(ctx)
		if err != nil {
			result.Cancel()
			return
		}
		data, merr := json.Marshal(f)
		if merr != nil {
			slog.Error(fmt.Sprintf("%s - encode frame for %s: %v", logPrefix, id, merr))
			result.Cancel()
			return
		}
		if err := s.nc.Publish(reply, data); err != nil {
			slog.Warn(fmt.Sprintf("%s - publish frame for %s: %v", logPrefix, id, err))
			result.Cancel()
			return
		}
		s.metrics.ObserveFrame()
		if f.Terminal() {
			return
		}
	}
}

// handleCancel is the COMMS message handler for the agent's cancel
// subject: callers publish {correlationKey} to abandon a stream.
func (s *Server) handleCancel(msg *comms.Msg) {
	var sig struct {
		CorrelationKey string `json:"correlationKey"`
	}
	if err := json.Unmarshal(msg.Data, &sig); err != nil || sig.CorrelationKey == "" {
		slog.Warn(fmt.Sprintf("%s - malformed cancel signal: %s", logPrefix, msg.Data))
		return
	}

	s.mu.Lock()
	active, ok := s.activeStreams[sig.CorrelationKey]
	delete(s.activeStreams, sig.CorrelationKey)
	s.mu.Unlock()

	if !ok {
		// Unknown or already finished; cancel is idempotent.
		return
	}
	slog.Info(fmt.Sprintf("%s - Canceling stream %s", logPrefix, sig.CorrelationKey))
	active.cancel()
	active.frames.Cancel()
}

func (s *Server) respond(msg *comms.Msg, resp interface{}) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

func (s *Server) trackStream(id string, result *engine.Result) {
	s.mu.Lock()
	s.activeStreams[id] = &activeStream{cancel: result.Cancel, frames: result.Frames}
	s.mu.Unlock()
}

func (s *Server) dropStream(id string) {
	s.mu.Lock()
	delete(s.activeStreams, id)
	s.mu.Unlock()
}

func (s *Server) cancelAllStreams() {
	s.mu.Lock()
	streams := make([]*activeStream, 0, len(s.activeStreams))
	for id, active := range s.activeStreams {
		streams = append(streams, active)
		delete(s.activeStreams, id)
	}
	s.mu.Unlock()

	for _, active := range streams {
		active.cancel()
		active.frames.Cancel()
	}
}

// healthOutput is the /health response body.
type healthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// health probes the COMMS connection and the store. The store probe
// reads a task that cannot exist; a not-found answer proves the backend
// is reachable.
func (s *Server) health(ctx context.Context) *healthOutput {
	out := &healthOutput{
		Status:    "healthy",
		Checks:    map[string]bool{},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	out.Checks["comms"] = s.nc != nil && s.nc.IsConnected()

	storeOK := false
	if s.st != nil {
		_, err := s.st.GetTask(ctx, uuid.NewString())
		storeOK = err == nil || errors.Is(err, store.ErrTaskNotFound)
	}
	out.Checks["store"] = storeOK

	for _, ok := range out.Checks {
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

// homePageTemplate is the HTML for the agent home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Agent {{.Identity}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Agent {{.Identity}}</h1>
  <p class="meta">Request subject: <code>{{.Subject}}</code></p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>COMMS: {{if index .Health.Checks "comms"}}<span class="status-healthy">OK</span>{{else}}<span class="status-unhealthy">Failed</span>{{end}}</p>
    <p>Store: {{if index .Health.Checks "store"}}<span class="status-healthy">OK</span>{{else}}<span class="status-unhealthy">Failed</span>{{end}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Methods</h2>
    {{if not .Methods}}
    <p>No methods registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Method</th><th>Mode</th></tr>
      </thead>
      <tbody>
        {{range .Methods}}
        <tr><td>{{.Name}}</td><td>{{.Mode}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// methodRow is one method catalogue entry on the home page.
type methodRow struct {
	Name string
	Mode string
}

// homeData is the data passed to the home page template.
type homeData struct {
	Identity string
	Subject  string
	Health   *healthOutput
	Methods  []methodRow
}

// handleHome returns an HTTP handler for the agent home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Identity: s.cfg.AgentID,
			Subject:  commsutil.AgentSubject(s.cfg.AgentID),
			Health:   s.health(ctx),
		}
		for _, name := range s.eng.Methods() {
			mode := "unary"
			if s.eng.Streaming(name) {
				mode = "streaming"
			}
			data.Methods = append(data.Methods, methodRow{Name: name, Mode: mode})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
