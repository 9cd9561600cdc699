package escrowgateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"lukechampine.com/blake3"

	"valyra/gateway/middleware"
	"valyra/native/escrow"
	"valyra/observability/logging"
	vtel "valyra/observability/otel"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	defaultTimeout       = 15 * time.Second
)

// Config wires the gateway's HTTP concerns.
type Config struct {
	Auth           middleware.AuthConfig
	RateLimit      middleware.RateLimit
	CORS           middleware.CORSConfig
	RequestTimeout time.Duration
}

// Server is the HTTP front-end for escrow interactions. Mutating routes act
// on behalf of the JWT subject; read routes are public.
type Server struct {
	engine  *escrow.Engine
	store   *SQLiteStore
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	nowFn   func() time.Time
	handler http.Handler
}

func NewServer(engine *escrow.Engine, store *SQLiteStore, cfg Config, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("escrow engine required")
	}
	if store == nil {
		return nil, errors.New("sqlite store required")
	}
	if len(cfg.Auth.HMACSecret) == 0 {
		return nil, errors.New("auth secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Server{
		engine:  engine,
		store:   store,
		logger:  logger.With("component", "escrow-gateway"),
		tracer:  vtel.Tracer("valyra/escrow-gateway"),
		timeout: timeout,
		nowFn:   time.Now,
	}
	s.handler = otelhttp.NewHandler(s.routes(cfg), "escrow-gateway")
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(cfg Config) http.Handler {
	auth := middleware.NewAuthenticator(cfg.Auth, s.logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, s.logger)
	obs := middleware.NewObservability(s.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware("reads"))
		r.Get("/params", s.handleParams)
		r.Get("/fees", s.handleFees)
		r.Get("/escrows/{id}", s.handleEscrowGet)
		r.Get("/escrows/{id}/dispute", s.handleDisputeGet)
		r.Get("/escrows/{id}/hold", s.handleHoldGet)
		r.Get("/offers/{id}", s.handleOfferGet)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/events/stream", s.handleEventStream)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware())
		r.Use(limiter.Middleware("mutations"))

		r.Post("/escrows", s.mutation(true, s.deposit))
		r.Route("/escrows/{id}", func(r chi.Router) {
			r.Post("/complete-funding", s.mutation(false, s.completeFunding))
			r.Post("/credentials", s.mutation(false, s.uploadCredentials))
			r.Post("/extend", s.mutation(false, s.extendVerification))
			r.Post("/confirm", s.mutation(false, s.confirmReceipt))
			r.Post("/timeout", s.mutation(false, s.claimTimeout))
			r.Post("/dispute", s.mutation(false, s.raiseDispute))
			r.Post("/dispute/response", s.mutation(false, s.respondToDispute))
			r.Post("/dispute/resolve", s.mutation(false, s.resolveDispute))
			r.Post("/transition/issues", s.mutation(false, s.reportIssue))
			r.Post("/transition/release", s.mutation(false, s.adminRelease))
			r.Post("/transition/claim", s.mutation(false, s.claimRetainer))
			r.Post("/emergency-withdraw", s.mutation(false, s.emergencyWithdraw))
		})

		r.Post("/offers", s.mutation(true, s.makeOffer))
		r.Route("/offers/{id}", func(r chi.Router) {
			r.Post("/accept", s.mutation(true, s.acceptOffer))
			r.Post("/reject", s.mutation(false, s.rejectOffer))
			r.Post("/cancel", s.mutation(false, s.cancelOffer))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/emergency/activate", s.mutation(false, s.activateEmergency))
			r.Post("/emergency/deactivate", s.mutation(false, s.deactivateEmergency))
			r.Post("/pause", s.mutation(false, s.pause))
			r.Post("/unpause", s.mutation(false, s.unpause))
			r.Post("/treasury", s.mutation(false, s.setTreasury))
			r.Post("/owner", s.mutation(false, s.transferOwnership))
			r.Post("/resolvers", s.mutation(false, s.addResolver))
			r.Post("/resolvers/remove", s.mutation(false, s.removeResolver))
			r.Post("/transition-period", s.mutation(false, s.setTransitionPeriod))
			r.Get("/audit", s.handleAudit)
		})
	})
	return r
}

// mutationFunc executes one engine operation for caller. It returns the
// success status and response payload.
type mutationFunc func(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error)

// mutation wraps fn with idempotency, auditing and error mapping. When
// requireKey is set the Idempotency-Key header is mandatory.
func (s *Server) mutation(requireKey bool, fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.PrincipalFromContext(r.Context())
		body, err := readRequestBody(r)
		if err != nil {
			s.fail(w, r, caller, nil, badRequest(err.Error()))
			return
		}
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" && requireKey {
			s.fail(w, r, caller, body, badRequest("missing Idempotency-Key header"))
			return
		}
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		if key != "" {
			cached, cacheErr := s.store.LookupIdempotency(r.Context(), caller.Hex(), key, requestHash)
			if cacheErr != nil {
				status := http.StatusInternalServerError
				if errors.Is(cacheErr, ErrIdempotencyMismatch) {
					status = http.StatusConflict
				}
				s.writeStatus(w, r, caller, body, status, errorPayload(cacheErr, "idempotency"))
				return
			}
			if cached != nil {
				w.Header().Set("Idempotent-Replay", "true")
				s.writeRaw(w, r, caller, body, cached.Status, cached.Body)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		ctx, span := s.tracer.Start(ctx, "escrow."+routeName(r))
		span.SetAttributes(attribute.String("escrow.caller", caller.Hex()))
		status, payload, err := fn(ctx, caller, r, body)
		span.SetAttributes(attribute.String("escrow.outcome", errorKind(err)))
		span.End()
		if err != nil {
			s.fail(w, r, caller, body, err)
			return
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			s.fail(w, r, caller, body, err)
			return
		}
		if key != "" {
			if err := s.store.SaveIdempotency(r.Context(), caller.Hex(), key, requestHash, status, encoded); err != nil {
				// The operation has committed; report success and log the cache miss.
				s.logger.Error("save idempotency key", "error", err, "requestId", middleware.RequestIDFromContext(r.Context()))
			}
		}
		s.writeRaw(w, r, caller, body, status, encoded)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "requestId", middleware.RequestIDFromContext(r.Context()))
	}
	s.writeStatus(w, r, caller, body, status, errorPayload(err, errorKind(err)))
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte, status int, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(`{"error":"internal"}`)
		status = http.StatusInternalServerError
	}
	s.writeRaw(w, r, caller, body, status, encoded)
}

func (s *Server) writeRaw(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r, caller, body, status, payload)
}

func (s *Server) audit(r *http.Request, caller common.Address, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		RequestID:      middleware.RequestIDFromContext(r.Context()),
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseStatus: status,
		ResponseBody:   append([]byte(nil), responseBody...),
		Timestamp:      s.nowFn().UTC(),
	}
	if caller != (common.Address{}) {
		entry.Principal = caller.Hex()
	}
	if err := s.store.InsertAuditLog(context.WithoutCancel(r.Context()), entry); err != nil {
		s.logger.Error("write audit log", "error", err, "requestId", entry.RequestID)
	}
}

// writeJSON serves read-only responses; these are not audited.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("write response", "error", err, "requestId", middleware.RequestIDFromContext(r.Context()))
	}
}

func (s *Server) writeReadError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("read failed", "error", err, "requestId", middleware.RequestIDFromContext(r.Context()))
	}
	s.writeJSON(w, r, status, errorPayload(err, errorKind(err)))
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func errorPayload(err error, kind string) errorResponse {
	return errorResponse{Error: err.Error(), Kind: kind}
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest(fmt.Sprintf("invalid id %q", raw))
	}
	return id, nil
}

func routeName(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// logReference records a sensitive reference without disclosing it.
func (s *Server) logReference(ctx context.Context, msg string, escrowID uint64, key, value string) {
	s.logger.Info(msg, "escrowId", escrowID, logging.Fingerprint(key, value), "requestId", middleware.RequestIDFromContext(ctx))
}
