package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blockrun/blockrun/internal/llm"
	. "github.com/blockrun/blockrun/internal/logging"
	"github.com/blockrun/blockrun/internal/usage"
)

// apiError is the JSON error envelope for every non-2xx response the
// gateway originates itself. Upstream error bodies pass through verbatim.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  int    `json:"status,omitempty"`
}

func errorEnvelope(message, typ string) apiError {
	return apiError{Error: apiErrorDetail{Message: message, Type: typ}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("gateway: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, typ string) {
	writeJSON(w, status, errorEnvelope(message, typ))
}

// readBody consumes the request body under the configured size cap. On
// failure the error response has already been written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := s.cfg.Proxy.MaxBodyBytes
	if limit <= 0 {
		limit = 4 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", limit), "invalid_request_error")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		}
		return nil, false
	}
	return body, true
}

type healthResponse struct {
	Status        string           `json:"status"`
	Identity      string           `json:"identity"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
	Providers     []providerHealth `json:"providers,omitempty"`
	Sessions      int              `json:"sessions,omitempty"`
	Inflight      int              `json:"inflight,omitempty"`
}

type providerHealth struct {
	ID         string `json:"id"`
	Priority   int    `json:"priority"`
	Healthy    bool   `json:"healthy"`
	InCooldown bool   `json:"inCooldown,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// handleHealth answers instantly by default; ?full=true adds a provider
// health sweep bounded to two seconds.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Identity:      Identity,
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if r.URL.Query().Get("full") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		healthy := s.deps.Registry.HealthCheckAll(ctx)
		for _, st := range s.deps.Registry.Status() {
			resp.Providers = append(resp.Providers, providerHealth{
				ID:         st.ID,
				Priority:   st.Priority,
				Healthy:    healthy[st.ID],
				InCooldown: st.InCooldown,
				Reason:     string(st.Reason),
			})
		}
		if s.deps.Sessions != nil {
			resp.Sessions = s.deps.Sessions.Len()
		}
		if s.deps.Dedup != nil {
			resp.Inflight = s.deps.Dedup.InflightLen()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	Usage     usage.Stats          `json:"usage"`
	Providers []llm.ProviderStatus `json:"providers"`
	Dedup     dedupStats           `json:"dedup"`
	Sessions  int                  `json:"sessions"`
	Balance   *balanceStats        `json:"balance,omitempty"`
}

type dedupStats struct {
	Inflight  int `json:"inflight"`
	Completed int `json:"completed"`
}

type balanceStats struct {
	Spent          float64 `json:"spent"`
	MaxRequestCost float64 `json:"maxRequestCost"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Usage:     s.deps.Usage.Snapshot(),
		Providers: s.deps.Registry.Status(),
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Len()
	}
	if s.deps.Dedup != nil {
		resp.Dedup = dedupStats{
			Inflight:  s.deps.Dedup.InflightLen(),
			Completed: s.deps.Dedup.CompletedLen(),
		}
	}
	if s.deps.Balance != nil {
		resp.Balance = &balanceStats{
			Spent:          s.deps.Balance.Spent(),
			MaxRequestCost: s.cfg.Balance.MaxRequestCost,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"`
	Created       int64        `json:"created"`
	OwnedBy       string       `json:"owned_by"`
	DisplayName   string       `json:"display_name,omitempty"`
	ContextLength int          `json:"context_length,omitempty"`
	Pricing       *modelPrices `json:"pricing,omitempty"`
}

type modelPrices struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// handleModels lists the catalog in the OpenAI wire shape. The synthetic
// auto id is routing vocabulary, not a servable model, so it is omitted.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.deps.Catalog.ServableModels()
	list := modelList{
		Object: "list",
		Data:   make([]modelInfo, 0, len(models)),
	}
	created := s.started.Unix()
	for _, m := range models {
		list.Data = append(list.Data, modelInfo{
			ID:            m.ID,
			Object:        "model",
			Created:       created,
			OwnedBy:       m.Family,
			DisplayName:   m.DisplayName,
			ContextLength: m.ContextWindow,
			Pricing: &modelPrices{
				InputPerMillion:  m.InputPricePerMillion,
				OutputPerMillion: m.OutputPricePerMillion,
			},
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// Hop-by-hop fields never forward; everything else from the upstream
// response does.
var skipForwardHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		if skipForwardHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// handlePassthrough forwards any other /v1 endpoint verbatim to the
// primary openai-compatible provider.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	primary := s.deps.Registry.Primary()
	pp, ok := primary.(llm.Passthrough)
	if primary == nil || !ok {
		writeError(w, http.StatusBadGateway, "no passthrough-capable provider configured", "provider_error")
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	res := pp.ProxyRequest(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if res.Error != nil {
		s.writeUpstreamError(w, res.Error)
		return
	}
	defer res.Success.Body.Close()

	copyHeader(w.Header(), res.Success.Header)
	w.WriteHeader(res.Success.Status)
	if _, err := io.Copy(w, res.Success.Body); err != nil {
		L_debug("gateway: passthrough copy interrupted", "error", err)
	}
}

// writeUpstreamError forwards an upstream failure. Errors that carry an
// upstream body pass through verbatim; transport-level failures become a
// 502 envelope.
func (s *Server) writeUpstreamError(w http.ResponseWriter, callErr *llm.CallError) {
	if callErr.Status > 0 && len(callErr.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(callErr.Status)
		w.Write(callErr.Body)
		return
	}
	status := callErr.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	writeError(w, status, callErr.Error(), "provider_error")
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("unknown route: %s %s", r.Method, r.URL.Path), "invalid_request_error")
}
