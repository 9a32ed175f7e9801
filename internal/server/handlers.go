package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaycore/relayd/internal/apikey"
	"github.com/relaycore/relayd/internal/model"
	"github.com/relaycore/relayd/internal/relayerr"
	"go.uber.org/zap"
)

// maxRequestBody caps buffered request bodies at 32 MiB.
const maxRequestBody = 32 << 20

// relayEnvelope is the subset of the request body the adapters need for
// routing; everything else passes through untouched.
type relayEnvelope struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	System   json.RawMessage `json:"system"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// handleAnthropicMessages adapts the Anthropic messages protocol onto the
// relay engine.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, model.ProviderClaude, "anthropic")
}

// handleChatCompletions adapts the OpenAI chat protocol onto the relay
// engine.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, model.ProviderOpenAI, "openai")
}

func (s *Server) relay(w http.ResponseWriter, r *http.Request, provider, endpointType string) {
	secret := extractSecret(r)
	if secret == "" {
		writeError(w, relayerr.New(relayerr.CodeInvalidAPIKey))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.CodeInvalidRequest, err))
		return
	}

	var env relayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, relayerr.Newf(relayerr.CodeInvalidRequest, "request body is not valid JSON"))
		return
	}
	if env.Model == "" {
		writeError(w, relayerr.Newf(relayerr.CodeInvalidRequest, "model is required"))
		return
	}

	req := &model.RelayRequest{
		KeySecret:    secret,
		Provider:     provider,
		EndpointType: endpointType,
		Model:        env.Model,
		IsStreaming:  env.Stream,
		ClientID:     clientID(r),
		SessionHash:  sessionHash(env),
		BetaHeader:   r.Header.Get("anthropic-beta"),
		Path:         r.URL.Path,
		Body:         body,
		Headers:      passthroughHeaders(r),
	}

	if err := s.engine.Relay(r.Context(), w, req); err != nil {
		writeError(w, err)
	}
}

// handleUsageStats serves a key's own aggregates. It authenticates
// without triggering activation.
func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	secret := extractSecret(r)
	if secret == "" {
		writeError(w, relayerr.New(relayerr.CodeInvalidAPIKey))
		return
	}

	key, err := s.keys.ValidateForStats(r.Context(), secret)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrKeyDisabled), errors.Is(err, apikey.ErrKeyExpired):
			writeError(w, relayerr.Wrap(relayerr.CodeInvalidAPIKey, err))
		default:
			writeError(w, relayerr.Wrap(relayerr.CodeInternalError, err))
		}
		return
	}

	now := time.Now()
	total, err := s.recorder.GetTotal(r.Context(), key.ID)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.CodeInternalError, err))
		return
	}
	daily, err := s.recorder.GetDaily(r.Context(), key.ID, now)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.CodeInternalError, err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id": key.ID,
		"name":   key.Name,
		"total":  total,
		"today":  daily,
	})
}

// extractSecret accepts the key secret as x-api-key or a bearer token.
func extractSecret(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// clientID identifies the calling application for allowed-clients policy.
func clientID(r *http.Request) string {
	if v := r.Header.Get("x-app"); v != "" {
		return v
	}
	ua := r.Header.Get("User-Agent")
	if i := strings.IndexAny(ua, " /"); i > 0 {
		return ua[:i]
	}
	return ua
}

// sessionHash fingerprints the conversation prefix so follow-up turns of
// the same session land on the same upstream account. System prompt plus
// the first user message is stable across turns.
func sessionHash(env relayEnvelope) string {
	h := sha256.New()
	h.Write(env.System)
	for _, m := range env.Messages {
		if m.Role == "user" {
			h.Write([]byte(m.Role))
			h.Write(m.Content)
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// passthroughHeaders collects client headers worth forwarding upstream.
func passthroughHeaders(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, name := range []string{"anthropic-version", "anthropic-beta", "Accept", "User-Agent"} {
		if v := r.Header.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	re := relayerr.AsError(err)
	writeJSON(w, re.Status(), map[string]interface{}{
		"error": map[string]string{
			"code":    string(re.Code),
			"message": re.Message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}
