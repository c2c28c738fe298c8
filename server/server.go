// Package server exposes balance lookups and issuance over HTTP for the quiz front end.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/account"
	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/issuance"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/network"
	"github.com/ipeknurercan/mintelligence/resilience"
)

// RewardService is implemented by *issuance.RewardIssuer.
type RewardService interface {
	Issue(ctx context.Context, req issuance.RewardRequest) issuance.Result
}

// CertificateService is implemented by *issuance.CertificateIssuer.
type CertificateService interface {
	Issue(ctx context.Context, req issuance.CertificateRequest) issuance.Result
}

// BalanceService is implemented by *account.BalanceReader.
type BalanceService interface {
	RewardBalances(ctx context.Context, address string, n network.Network) account.Balances
}

// ProbeService is implemented by *account.Prober.
type ProbeService interface {
	Probe(ctx context.Context, address string, n network.Network) (account.ProbeResult, error)
}

// BreakerSource is implemented by *ledger.Gateway.
type BreakerSource interface {
	BreakerState(n network.Network) resilience.CircuitState
}

// Options wires the server to the rest of the service.
type Options struct {
	Table        *network.Table
	Rewards      RewardService
	Certificates CertificateService
	Balances     BalanceService
	Probes       ProbeService
	Breakers     BreakerSource
	Metrics      *metrics.Collector

	// Issuer is the public address of the signing identity, shown on /health.
	Issuer        string
	Version       string
	Metadata      issuance.MetadataOptions
	AllowedOrigin string
	Logger        *zap.Logger

	// IssueRate and IssueBurst cap issuance requests per client; a zero rate disables it.
	IssueRate  float64
	IssueBurst int
	// TrustedProxies are the only peers whose X-Forwarded-For header is honored.
	TrustedProxies []netip.Prefix

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

// Server routes HTTP requests to the issuance and account components.
type Server struct {
	opts    Options
	router  *mux.Router
	limiter *clientLimiter
	logger  *zap.Logger
	start   time.Time
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newCertificateID
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		logger: opts.Logger.With(zap.String("component", "http")),
		start:  opts.Now(),
	}
	if opts.IssueRate > 0 {
		s.limiter = newClientLimiter(opts.IssueRate, opts.IssueBurst, maxTrackedClients)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.requestLogging, s.cors)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/get-balance", s.handleGetBalance).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/send-token", s.limitIssuance(s.handleSendToken)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/mint-nft", s.limitIssuance(s.handleMintNFT)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/accounts/{address}", s.handleAccount).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/trustline-info", s.handleTrustlineInfo).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/trustline", s.handleTrustline).Methods(http.MethodPost, http.MethodOptions)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func newCertificateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success         bool           `json:"success"`
	Error           string         `json:"error"`
	Kind            failure.Kind   `json:"kind,omitempty"`
	Detail          string         `json:"detail,omitempty"`
	ResultCodes     []string       `json:"resultCodes,omitempty"`
	TransactionHash string         `json:"transactionHash,omitempty"`
	State           issuance.State `json:"state,omitempty"`
}

func respondFailure(w http.ResponseWriter, fe *failure.Error) {
	respondJSON(w, statusFor(fe.Kind), errorResponse{
		Error:       fe.Reason,
		Kind:        fe.Kind,
		Detail:      fe.Detail,
		ResultCodes: fe.ResultCodes,
	})
}

func respondResultFailure(w http.ResponseWriter, res issuance.Result) {
	fe := res.Error
	if fe == nil {
		fe = failure.Internal(nil)
	}
	respondJSON(w, statusFor(fe.Kind), errorResponse{
		Error:           fe.Reason,
		Kind:            fe.Kind,
		Detail:          fe.Detail,
		ResultCodes:     fe.ResultCodes,
		TransactionHash: res.TransactionHash,
		State:           res.State,
	})
}

// statusFor maps failure kinds to HTTP status codes.
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindValidation, failure.KindAccountNotFound, failure.KindAccountUnderfunded:
		return http.StatusBadRequest
	case failure.KindSubmission:
		return http.StatusUnprocessableEntity
	case failure.KindTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
