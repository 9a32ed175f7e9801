package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/relayd/internal/apikey"
	"github.com/relaycore/relayd/internal/billing"
	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/health"
	"github.com/relaycore/relayd/internal/limiter"
	"github.com/relaycore/relayd/internal/metrics"
	"github.com/relaycore/relayd/internal/model"
	"github.com/relaycore/relayd/internal/pricing"
	"github.com/relaycore/relayd/internal/relayerr"
	"github.com/relaycore/relayd/internal/scheduler"
	"github.com/relaycore/relayd/internal/usage"
	"go.uber.org/zap"
)

// maxErrorBody caps how much of an upstream error body is read for
// sanitization.
const maxErrorBody = 64 * 1024

// settleTimeout bounds the asynchronous accounting write after the
// response finished.
const settleTimeout = 10 * time.Second

// Engine is the relay core. One inbound request flows through key
// validation, admission, scheduling, the upstream round trip, and
// asynchronous settlement.
type Engine struct {
	keys     *apikey.Service
	gate     *limiter.Gate
	sched    *scheduler.Scheduler
	tracker  *health.Tracker
	prices   *pricing.Registry
	rates    *billing.Registry
	recorder *usage.Recorder
	logger   *zap.Logger

	// client enforces the request timeout; streamClient has none so long
	// SSE responses are bounded only by the caller's context.
	client       *http.Client
	streamClient *http.Client
}

func NewEngine(
	keys *apikey.Service,
	gate *limiter.Gate,
	sched *scheduler.Scheduler,
	tracker *health.Tracker,
	prices *pricing.Registry,
	rates *billing.Registry,
	recorder *usage.Recorder,
	cfg config.UpstreamConfig,
	logger *zap.Logger,
) *Engine {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshake,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Engine{
		keys:         keys,
		gate:         gate,
		sched:        sched,
		tracker:      tracker,
		prices:       prices,
		rates:        rates,
		recorder:     recorder,
		logger:       logger,
		client:       &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		streamClient: &http.Client{Transport: transport},
	}
}

// Relay runs one request end to end, writing the upstream response to w.
// A returned error means nothing was written yet and the caller renders
// it.
func (e *Engine) Relay(ctx context.Context, w http.ResponseWriter, req *model.RelayRequest) error {
	key, err := e.validate(ctx, req)
	if err != nil {
		return err
	}

	provider := req.Provider
	if provider == "" {
		provider = billing.InferProvider(req.EndpointType, req.Model)
	}

	admit, err := e.gate.Admit(ctx, key)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeInternalError, err)
	}
	if !admit.Allowed {
		metrics.AdmissionRejections.WithLabelValues(string(admit.Dimension)).Inc()
		return admissionError(admit.Dimension)
	}

	acquired, err := e.gate.AcquireConcurrency(ctx, key)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeInternalError, err)
	}
	if !acquired {
		metrics.AdmissionRejections.WithLabelValues(string(limiter.DimConcurrent)).Inc()
		return relayerr.Newf(relayerr.CodeRateLimitExceeded, "concurrency limit reached")
	}
	released := false
	release := func() {
		if !released {
			released = true
			e.gate.ReleaseConcurrency(context.WithoutCancel(ctx), key)
		}
	}
	// Settlement takes over the slot on the success path; every other
	// return releases it here.
	transferred := false
	defer func() {
		if !transferred {
			release()
		}
	}()

	sel, err := e.sched.Select(ctx, key, provider, req.EndpointType, req.SessionHash)
	if err != nil {
		if scheduler.IsNoUpstream(err) {
			return relayerr.Wrap(relayerr.CodeAccountUnavailable, err)
		}
		return relayerr.Wrap(relayerr.CodeInternalError, err)
	}
	acct := sel.Account
	decision := &model.UpstreamDecision{
		AccountID:   acct.ID,
		UpstreamURL: strings.TrimSuffix(acct.BaseURL, "/") + req.Path,
		AuthKey:     acct.APIKey,
		Dedicated:   sel.Dedicated,
	}

	start := time.Now()
	resp, err := e.forward(ctx, acct, decision, req)
	if err != nil {
		if kind := health.ClassifyNetError(err); kind != health.KindNone {
			e.quarantine(ctx, provider, acct.ID, 0, kind, nil)
			metrics.RequestsTotal.WithLabelValues(provider, req.EndpointType, string(relayerr.CodeTimeout)).Inc()
			return relayerr.Wrap(relayerr.CodeTimeout, err)
		}
		metrics.RequestsTotal.WithLabelValues(provider, req.EndpointType, string(relayerr.CodeNetworkFailure)).Inc()
		return relayerr.Wrap(relayerr.CodeNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		e.handleUpstreamError(ctx, w, provider, acct.ID, req, resp)
		return nil
	}

	u, ok := e.pipeResponse(w, req, resp)
	metrics.UpstreamLatency.WithLabelValues(provider, strconv.FormatBool(req.IsStreaming)).
		Observe(time.Since(start).Seconds())
	metrics.RequestsTotal.WithLabelValues(provider, req.EndpointType, "ok").Inc()

	if !ok {
		e.logger.Warn("response finished without usage data",
			zap.String("key_id", key.ID),
			zap.String("model", req.Model))
		return nil
	}

	transferred = true
	e.settle(key, acct, provider, req, u, admit.WindowStart, release)
	return nil
}

// validate resolves the key secret and applies provider, model, and
// client policy.
func (e *Engine) validate(ctx context.Context, req *model.RelayRequest) (*model.APIKey, error) {
	key, err := e.keys.ValidateForRelay(ctx, req.KeySecret)
	switch {
	case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrKeyDisabled):
		return nil, relayerr.Wrap(relayerr.CodeInvalidAPIKey, err)
	case errors.Is(err, apikey.ErrKeyExpired):
		return nil, relayerr.Newf(relayerr.CodeInvalidAPIKey, "API key has expired")
	case err != nil:
		return nil, relayerr.Wrap(relayerr.CodeInternalError, err)
	}

	provider := req.Provider
	if provider == "" {
		provider = billing.InferProvider(req.EndpointType, req.Model)
	}
	if !key.HasPermission(provider) {
		return nil, relayerr.Newf(relayerr.CodePermissionDenied, "key has no access to provider %s", provider)
	}
	if !key.ModelAllowed(req.Model) {
		return nil, relayerr.Newf(relayerr.CodeModelUnavailable, "model %s is not available for this key", req.Model)
	}
	if !key.ClientAllowed(req.ClientID) {
		return nil, relayerr.New(relayerr.CodePermissionDenied)
	}
	return key, nil
}

func admissionError(dim limiter.Dimension) error {
	switch dim {
	case limiter.DimTotalCost, limiter.DimDailyCost, limiter.DimWeeklyCost:
		return relayerr.Newf(relayerr.CodeQuotaExceeded, "cost limit reached (%s)", dim)
	default:
		return relayerr.New(relayerr.CodeRateLimitExceeded)
	}
}

// forward sends the request to the upstream decided by the scheduler.
func (e *Engine) forward(ctx context.Context, acct *model.UpstreamAccount, decision *model.UpstreamDecision, req *model.RelayRequest) (*http.Response, error) {
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, decision.UpstreamURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	for name, value := range req.Headers {
		if isHopByHop(name) {
			continue
		}
		upReq.Header.Set(name, value)
	}
	upReq.Header.Set("Content-Type", "application/json")
	if req.BetaHeader != "" {
		upReq.Header.Set("anthropic-beta", req.BetaHeader)
	}
	setAuth(upReq, acct.Provider, decision.AuthKey)

	client := e.client
	if req.IsStreaming {
		client = e.streamClient
	}
	return client.Do(upReq)
}

// setAuth applies the account credential in the provider's scheme.
func setAuth(r *http.Request, provider, authKey string) {
	r.Header.Del("Authorization")
	r.Header.Del("x-api-key")
	switch provider {
	case model.ProviderClaude:
		r.Header.Set("x-api-key", authKey)
	case model.ProviderGemini:
		r.Header.Set("x-goog-api-key", authKey)
	default:
		r.Header.Set("Authorization", "Bearer "+authKey)
	}
}

var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
	"authorization":       {},
	"x-api-key":           {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

// handleUpstreamError quarantines the account per the error class and
// forwards a sanitized body under the upstream status.
func (e *Engine) handleUpstreamError(ctx context.Context, w http.ResponseWriter, provider, accountID string, req *model.RelayRequest, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	kind := health.Classify(resp.StatusCode)
	if kind != health.KindNone {
		e.quarantine(ctx, provider, accountID, resp.StatusCode, kind, resp.Header)
	}

	relayErr := relayerr.FromUpstreamStatus(resp.StatusCode)
	metrics.RequestsTotal.WithLabelValues(provider, req.EndpointType, string(relayErr.Code)).Inc()
	e.logger.Warn("upstream returned error",
		zap.String("provider", provider),
		zap.String("account_id", accountID),
		zap.Int("status", resp.StatusCode),
		zap.String("kind", string(kind)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(relayerr.SanitizeBody(string(body))))
}

func (e *Engine) quarantine(ctx context.Context, provider, accountID string, status int, kind health.ErrorKind, headers http.Header) {
	metrics.AccountsQuarantined.WithLabelValues(provider, string(kind)).Inc()
	if err := e.tracker.MarkUnavailable(context.WithoutCancel(ctx), provider, accountID, status, kind, headers); err != nil {
		e.logger.Error("failed to quarantine account",
			zap.String("provider", provider),
			zap.String("account_id", accountID),
			zap.Error(err))
	}
}

// pipeResponse relays the body to the client and returns the extracted
// usage. Streaming responses flush frame by frame; buffered responses go
// out whole.
func (e *Engine) pipeResponse(w http.ResponseWriter, req *model.RelayRequest, resp *http.Response) (model.Usage, bool) {
	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	if req.IsStreaming {
		extractor := NewUsageExtractor()
		sw := newStreamWriter(w, extractor)
		if _, err := io.Copy(sw, resp.Body); err != nil {
			e.logger.Warn("stream interrupted", zap.Error(err))
		}
		return extractor.Finish()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.logger.Warn("failed to read upstream body", zap.Error(err))
		return model.Usage{}, false
	}
	_, _ = w.Write(body)
	return ExtractFromBody(body)
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}

// settle prices the settled usage and hands it to the recorder off the
// response path. The concurrency slot releases after accounting so a
// burst cannot overshoot between response end and settlement.
func (e *Engine) settle(key *model.APIKey, acct *model.UpstreamAccount, provider string, req *model.RelayRequest, u model.Usage, windowStart int64, release func()) {
	cost := e.prices.Calculate(pricing.CostInput{
		Usage:      u,
		Model:      req.Model,
		BetaHeader: req.BetaHeader,
	})

	metrics.ObserveUsage(provider, u.InputTokens, u.OutputTokens, u.CacheCreateTokens, u.CacheReadTokens)
	if cost.HasPricing {
		metrics.CostMicroTotal.WithLabelValues(provider, req.Model).Add(float64(cost.TotalMicro))
	} else {
		e.logger.Warn("no pricing for model, recording zero cost",
			zap.String("model", req.Model))
	}

	go func() {
		defer release()
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()

		rated := e.rates.ConvertToCredits(ctx, cost.TotalCost, provider, key.ServiceRates)
		e.recorder.Record(ctx, usage.Event{
			KeyID:       key.ID,
			AccountID:   acct.ID,
			Provider:    provider,
			Model:       req.Model,
			Usage:       u,
			Cost:        cost,
			RatedCost:   rated,
			WindowStart: windowStart,
		})
	}()
}
