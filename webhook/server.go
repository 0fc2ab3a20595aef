// Package webhook is the HTTP front end: chat webhooks, supplier quotes, payment callbacks, ops
// resolutions and read-only order views.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goliatone/go-fulfillment/flow"
)

const maxBodyBytes = 1 << 20

// Pipeline is the engine surface the transport drives. *flow.Engine satisfies it.
type Pipeline interface {
	Handle(ctx context.Context, in flow.Inbound) (flow.Outcome, error)
	Resume(ctx context.Context, orderID string, sig flow.Signal) (flow.Outcome, error)
	ResumeCorrelated(ctx context.Context, correlationID string, sig flow.Signal) (flow.Outcome, error)
	Replay(ctx context.Context, orderID string) (*flow.State, error)
	Entries(ctx context.Context, orderID string) ([]flow.LogEntry, error)
}

// QuoteSink stores supplier quotes before the RFP is re-evaluated.
type QuoteSink interface {
	SubmitQuote(ctx context.Context, q flow.Quote) error
}

var _ Pipeline = (*flow.Engine)(nil)

// Server holds the handlers.
type Server struct {
	pipeline Pipeline
	quotes   QuoteSink
	verifier *Verifier
	validate *validator.Validate
	logger   flow.Logger
	now      func() time.Time
	timeout  time.Duration
}

// Option customizes a Server.
type Option func(*Server)

func WithVerifier(v *Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

func WithLogger(logger flow.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRequestTimeout bounds every request. Zero disables the timeout middleware.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

func NewServer(p Pipeline, quotes QuoteSink, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		quotes:   quotes,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   flow.NopLogger{},
		now:      time.Now,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/{channel}", s.handleInbound)
	r.Post("/rfps/{rfp_id}/quotes", s.handleQuote)
	r.Post("/payments/events", s.handlePayment)
	r.Post("/ops/tasks/{task_id}/resolution", s.handleResolution)
	r.Route("/orders/{order_id}", func(r chi.Router) {
		r.Get("/", s.handleOrder)
		r.Get("/log", s.handleLog)
	})
	return r
}

type inboundRequest struct {
	ChatID     string `json:"chat_id" validate:"required"`
	CustomerID string `json:"customer_id"`
	Text       string `json:"text" validate:"required"`
	MessageID  string `json:"message_id" validate:"required"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req inboundRequest
	if !s.decode(w, body, &req) {
		return
	}
	in := flow.Inbound{
		Channel:            channel,
		ChatID:             req.ChatID,
		CustomerID:         req.CustomerID,
		Text:               req.Text,
		TransportMessageID: req.MessageID,
		Signature:          s.verifier.Verify(channel, r.Header, body),
		ReceivedAt:         s.now().UTC(),
	}
	out, err := s.pipeline.Handle(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type quoteRequest struct {
	SupplierID   string  `json:"supplier_id" validate:"required"`
	Amount       float64 `json:"amount" validate:"gt=0"`
	LeadTimeDays float64 `json:"lead_time_days" validate:"gte=0"`
}

// handleQuote stores the quote first; a pipeline that is not currently waiting picks it up on
// its next poll.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	rfpID := chi.URLParam(r, "rfp_id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !s.decode(w, body, &req) {
		return
	}
	q := flow.Quote{
		RFPID:        rfpID,
		SupplierID:   strings.TrimSpace(req.SupplierID),
		Amount:       req.Amount,
		LeadTimeDays: req.LeadTimeDays,
		Status:       flow.QuoteReceived,
		SubmittedAt:  s.now().UTC(),
	}
	if err := s.quotes.SubmitQuote(r.Context(), q); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.pipeline.ResumeCorrelated(r.Context(), rfpID, flow.Signal{
		Kind:  flow.SignalQuoteArrived,
		Quote: &q,
		At:    q.SubmittedAt,
	})
	if err != nil && !deferrable(err) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

type paymentRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
	Receipt   string `json:"receipt" validate:"required"`
	Status    string `json:"status" validate:"required"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if s.verifier.Verify("payments", r.Header, body) == flow.SignatureInvalid {
		writeJSON(w, http.StatusUnauthorized, flow.ErrorEnvelope{Code: flow.RiskInvalidSignature, Message: "invalid signature"})
		return
	}
	var req paymentRequest
	if !s.decode(w, body, &req) {
		return
	}
	out, err := s.pipeline.Resume(r.Context(), req.Receipt, flow.Signal{
		Kind:          flow.SignalPaymentConfirmed,
		CorrelationID: req.PaymentID,
		PaymentID:     req.PaymentID,
		PaymentStatus: req.Status,
		At:            s.now().UTC(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type resolutionRequest struct {
	Resolution string `json:"resolution" validate:"required"`
	Operator   string `json:"operator"`
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req resolutionRequest
	if !s.decode(w, body, &req) {
		return
	}
	res, err := flow.ParseResolution(req.Resolution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sig := flow.Signal{Kind: flow.SignalOpsResolution, Resolution: res, At: s.now().UTC()}
	if req.Operator != "" {
		sig.Data = map[string]any{"operator": req.Operator}
	}
	out, err := s.pipeline.ResumeCorrelated(r.Context(), taskID, sig)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// OrderView is the read model served for one pipeline.
type OrderView struct {
	OrderID       string              `json:"order_id"`
	Status        flow.PipelineStatus `json:"status"`
	Current       flow.StepName       `json:"current"`
	PolicyVersion string              `json:"policy_version,omitempty"`
	Wait          *flow.Wait          `json:"wait,omitempty"`
	Escalation    *flow.Escalation    `json:"escalation,omitempty"`
	Order         *flow.OrderRecord   `json:"order,omitempty"`
	Cash          flow.CashState      `json:"cash"`
	Events        int                 `json:"events"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Replay(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderView{
		OrderID:       st.OrderID,
		Status:        st.Status,
		Current:       st.Current,
		PolicyVersion: st.PolicyVersion,
		Wait:          st.Wait,
		Escalation:    st.Escalation,
		Order:         st.Commit.Order,
		Cash:          st.Cash,
		Events:        len(st.Events),
		UpdatedAt:     st.UpdatedAt,
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	entries, err := s.pipeline.Entries(r.Context(), orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(entries) == 0 {
		s.fail(w, r, flow.NotFound("pipeline", orderID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "entries": entries})
}

func (s *Server) decode(w http.ResponseWriter, body []byte, v any) bool {
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, flow.ErrorEnvelope{Code: "BAD_JSON", Message: err.Error()})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, flow.ErrorEnvelope{Code: "INVALID_REQUEST", Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := flow.HTTPStatusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("%s %s failed request_id=%s: %v",
			r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
	}
	writeJSON(w, status, flow.ErrorEnvelopeFor(err))
}

// deferrable errors mean the quote is stored but the pipeline is not waiting on it right now.
func deferrable(err error) bool {
	switch flow.MapRuntimeError(err).RuntimeCode {
	case flow.ErrCodeNotSuspended, flow.ErrCodeSignalMismatch, flow.ErrCodePipelineClosed:
		return true
	}
	return false
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, flow.ErrorEnvelope{Code: "BODY_TOO_LARGE", Message: err.Error()})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, flow.ErrorEnvelope{Code: "BAD_BODY", Message: err.Error()})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
