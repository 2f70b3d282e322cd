package bridge

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/openclaw/gateway/internal/admission"
	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/trace"
)

// ProtocolVersion is the bridge wire protocol this build speaks. Handshakes
// carrying a different version are refused so relay and gateway never talk
// past each other.
const ProtocolVersion = 1

// Scopes a session token may carry.
const (
	ScopeSubmit   = "job:submit"
	ScopeDelivery = "delivery:send"
)

const sweepInterval = 5 * time.Minute

// Options for the bridge service.
type Options struct {
	Broker BrokerOptions
	// TokensPath persists broker state across restarts.
	TokensPath string
}

// Service serves /bridge/{handshake,submit,deliver,health}.
type Service struct {
	cfg      *config.Config
	broker   *Broker
	pipeline *admission.Pipeline
	eng      *engine.Client
	traces   *trace.Store
	logger   *slog.Logger

	pinned map[string]bool // sha256 cert fingerprints, hex lowercase
	stop   chan struct{}
}

// New builds the bridge service. When the config pins an mTLS bundle, the
// file must hold one hex sha256 client certificate fingerprint per line.
func New(cfg *config.Config, pipeline *admission.Pipeline, eng *engine.Client, traces *trace.Store, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Broker.Secret == "" {
		opts.Broker.Secret = cfg.BridgeDeviceToken
	}
	broker, err := NewBroker(opts.TokensPath, opts.Broker)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		broker:   broker,
		pipeline: pipeline,
		eng:      eng,
		traces:   traces,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	if cfg.BridgeMTLSBundle != "" {
		pins, err := loadPins(cfg.BridgeMTLSBundle)
		if err != nil {
			return nil, err
		}
		s.pinned = pins
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the session sweeper.
func (s *Service) Close() { close(s.stop) }

func (s *Service) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if n := s.broker.Sweep(); n > 0 {
				s.logger.Debug("swept expired bridge sessions", "count", n)
			}
		}
	}
}

func loadPins(path string) (map[string]bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "read mtls bundle", err)
	}
	pins := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pins[line] = true
	}
	if len(pins) == 0 {
		return nil, errkind.New(errkind.Internal, "mtls bundle holds no fingerprints")
	}
	return pins, nil
}

// Register mounts the bridge subtree on the canonical router.
func (s *Service) Register(r *mux.Router) {
	br := r.PathPrefix("/bridge").Subrouter()
	br.HandleFunc("/handshake", s.gated(s.handleHandshake)).Methods("POST")
	br.HandleFunc("/submit", s.gated(s.session(ScopeSubmit, s.handleSubmit))).Methods("POST")
	br.HandleFunc("/deliver", s.gated(s.session(ScopeDelivery, s.handleDeliver))).Methods("POST")
	br.HandleFunc("/health", s.gated(s.handleHealth)).Methods("GET")
}

// gated refuses every bridge call while the surface is disabled.
func (s *Service) gated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.BridgeEnabled {
			s.writeErr(w, r, errkind.New(errkind.Disabled, "bridge surface is disabled"))
			return
		}
		if s.cfg.BridgeDeviceToken == "" {
			s.writeErr(w, r, errkind.New(errkind.Disabled, "bridge device token is not configured"))
			return
		}
		h(w, r)
	}
}

// session requires a valid session token carrying scope.
func (s *Service) session(scope string, h func(http.ResponseWriter, *http.Request, *Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeErr(w, r, errkind.New(errkind.AuthMissing, "session token required"))
			return
		}
		claims, err := s.broker.Verify(token)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !claims.HasScope(scope) {
			s.writeErr(w, r, errkind.Newf(errkind.ScopeDenied, "session lacks scope %s", scope))
			return
		}
		h(w, r, claims)
	}
}

type handshakeRequest struct {
	DeviceID        string   `json:"device_id"`
	ProtocolVersion int      `json:"protocol_version"`
	Scopes          []string `json:"scopes,omitempty"`
}

func (s *Service) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if err := s.checkDeviceCredentials(r); err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req handshakeRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.DeviceID == "" {
		s.writeErr(w, r, errkind.New(errkind.ValidationError, "device_id is required"))
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		s.writeErr(w, r, errkind.Newf(errkind.Conflict,
			"protocol version %d not supported, gateway speaks %d", req.ProtocolVersion, ProtocolVersion))
		return
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeSubmit}
	}
	for _, sc := range scopes {
		if sc != ScopeSubmit && sc != ScopeDelivery {
			s.writeErr(w, r, errkind.Newf(errkind.ValidationError, "unknown scope %q", sc))
			return
		}
	}

	tok, err := s.broker.Issue(req.DeviceID, scopes)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("bridge handshake",
		"device", req.DeviceID, "scopes", strings.Join(scopes, ","), "token_id", tok.TokenID)
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{
		"session":          tok,
		"protocol_version": ProtocolVersion,
		"scopes":           scopes,
	})
}

// checkDeviceCredentials validates the shared device token and, when a
// bundle is pinned, the client certificate fingerprint.
func (s *Service) checkDeviceCredentials(r *http.Request) error {
	got := bearerToken(r)
	if got == "" {
		return errkind.New(errkind.AuthMissing, "device token required")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.BridgeDeviceToken)) != 1 {
		return errkind.New(errkind.AuthInvalid, "device token mismatch")
	}
	if s.pinned != nil {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return errkind.New(errkind.AuthInvalid, "client certificate required")
		}
		sum := sha256.Sum256(r.TLS.PeerCertificates[0].Raw)
		if !s.pinned[hex.EncodeToString(sum[:])] {
			return errkind.New(errkind.AuthInvalid, "client certificate not pinned")
		}
	}
	return nil
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request, claims *Claims) {
	idemKey := r.Header.Get(auth.HeaderIdempotencyKey)
	if idemKey == "" {
		s.writeErr(w, r, errkind.New(errkind.ValidationError,
			"Idempotency-Key header is required on bridge submissions"))
		return
	}
	var payload map[string]interface{}
	if err := s.decodeBody(r, &payload); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.pipeline.Admit(r.Context(), admission.Request{
		TraceID:        r.Header.Get(auth.HeaderTraceID),
		Source:         job.SourceBridge,
		Caller:         "bridge:" + claims.Device,
		ClientIP:       clientIP(r),
		IdempotencyKey: idemKey,
		Payload:        payload,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, res.Status, res.TraceID, res.Data)
}

type deliverRequest struct {
	PromptID string `json:"prompt_id"`
}

// handleDeliver returns the finished artifacts for a prompt so the relay can
// push them into its chat channel. Done is false while the render is still
// queued or executing.
func (s *Service) handleDeliver(w http.ResponseWriter, r *http.Request, claims *Claims) {
	var req deliverRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.PromptID == "" {
		s.writeErr(w, r, errkind.New(errkind.ValidationError, "prompt_id is required"))
		return
	}
	rec, err := s.eng.History(r.Context(), req.PromptID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	traceID, _ := s.traces.TraceByPrompt(req.PromptID)

	data := map[string]interface{}{
		"prompt_id": rec.PromptID,
		"done":      rec.Done,
		"device":    claims.Device,
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	if rec.Done {
		urls := make([]string, 0, len(rec.Outputs))
		for _, out := range rec.Outputs {
			urls = append(urls, s.eng.ViewURL(out))
		}
		data["artifacts"] = urls
	}
	s.writeOK(w, http.StatusOK, traceID, data)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, http.StatusOK, "", map[string]interface{}{
		"bridge":           "enabled",
		"protocol_version": ProtocolVersion,
		"mtls_pinned":      s.pinned != nil,
		"sessions":         s.broker.Stats(),
	})
}

// Envelope helpers mirror the main HTTP surface so bridge responses parse
// the same way.
type envelope struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Service) writeOK(w http.ResponseWriter, status int, traceID string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: true, TraceID: traceID, Data: data})
}

func (s *Service) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := errkind.KindOf(err)
	detail := errkind.DetailOf(err)
	if kind == errkind.Internal {
		detail = ""
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errkind.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(envelope{
		OK:      false,
		Error:   string(kind),
		Detail:  detail,
		TraceID: r.Header.Get(auth.HeaderTraceID),
	})
}

func (s *Service) decodeBody(r *http.Request, into interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxRenderedWorkflowBytes)))
	if err != nil {
		return errkind.Wrap(errkind.ValidationError, "read body", err)
	}
	if len(raw) == 0 {
		return errkind.New(errkind.ValidationError, "request body is required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errkind.Wrap(errkind.ValidationError, "decode body", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}
