package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pipehost/pipehost/internal/dispatch"
	"github.com/pipehost/pipehost/internal/fetch"
	"github.com/pipehost/pipehost/internal/lifecycle"
	"github.com/pipehost/pipehost/internal/openai"
	"github.com/pipehost/pipehost/internal/pipeline"
	"github.com/pipehost/pipehost/internal/tokens"
)

// Handlers binds the HTTP routes to the lifecycle manager and dispatcher.
type Handlers struct {
	manager    *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	fetcher    *fetch.Fetcher
	counter    *tokens.Counter
	started    int64
}

// NewHandlers creates the route handlers.
func NewHandlers(manager *lifecycle.Manager, dispatcher *dispatch.Dispatcher, fetcher *fetch.Fetcher, counter *tokens.Counter) *Handlers {
	return &Handlers{
		manager:    manager,
		dispatcher: dispatcher,
		fetcher:    fetcher,
		counter:    counter,
		started:    time.Now().Unix(),
	}
}

// RegisterRoutes mounts every route on the router. Static prefixes
// (/pipelines, /models, /chat) take precedence over the per-pipeline
// wildcard routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)

	r.Get("/pipelines", h.HandleListPipelines)
	r.Get("/v1/pipelines", h.HandleListPipelines)
	r.Post("/pipelines/add", h.HandleAddPipeline)
	r.Delete("/pipelines/delete", h.HandleDeletePipeline)
	r.Post("/pipelines/reload", h.HandleReloadPipeline)

	r.Get("/models", h.HandleListModels)
	r.Get("/v1/models", h.HandleListModels)

	r.Post("/chat/completions", h.HandleChatCompletion)
	r.Post("/v1/chat/completions", h.HandleChatCompletion)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/valves", h.HandleGetValves)
		r.Get("/valves/spec", h.HandleGetValvesSpec)
		r.Post("/valves/update", h.HandleUpdateValves)
		r.Post("/filter/inlet", h.HandleInletFilter)
		r.Post("/filter/outlet", h.HandleOutletFilter)
	})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Registry().List())
}

func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	infos := h.manager.Registry().List()
	models := make([]openai.Model, 0, len(infos))
	for _, info := range infos {
		models = append(models, openai.Model{
			ID:      info.ID,
			Object:  "model",
			Created: h.started,
			OwnedBy: "pipehost",
		})
	}
	writeJSON(w, http.StatusOK, openai.ModelList{Object: "list", Data: models})
}

func (h *Handlers) HandleAddPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "body must be {\"url\": ...}", "invalid_request", "")
		return
	}

	path, err := h.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		AddError(r.Context(), err)
		writeErrorEnvelope(w, http.StatusBadRequest, err.Error(), "invalid_request", "")
		return
	}

	id, err := h.manager.AddPipelineFromSource(r.Context(), path)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (h *Handlers) HandleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeID(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeletePipeline(r.Context(), id); err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (h *Handlers) HandleReloadPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeID(w, r)
	if !ok {
		return
	}
	if err := h.manager.ReloadPipeline(r.Context(), id); err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (h *Handlers) HandleGetValves(w http.ResponseWriter, r *http.Request) {
	values, err := h.manager.GetValves(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (h *Handlers) HandleGetValvesSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := h.manager.GetValvesSpec(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (h *Handlers) HandleUpdateValves(w http.ResponseWriter, r *http.Request) {
	var values pipeline.Valves
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "body must be a JSON object", "invalid_request", "")
		return
	}
	current, err := h.manager.UpdateValves(r.Context(), chi.URLParam(r, "id"), values)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (h *Handlers) HandleInletFilter(w http.ResponseWriter, r *http.Request) {
	h.handleFilter(w, r, h.dispatcher.ApplyInlet)
}

func (h *Handlers) HandleOutletFilter(w http.ResponseWriter, r *http.Request) {
	h.handleFilter(w, r, h.dispatcher.ApplyOutlet)
}

func (h *Handlers) handleFilter(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string, body any, user pipeline.User) (any, error)) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid JSON body", "invalid_request", "")
		return
	}
	out, err := apply(r.Context(), chi.URLParam(r, "id"), body, nil)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "failed to read request body", "invalid_request", "")
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid JSON body", "invalid_request", "")
		return
	}
	if req.Model == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "model is required", "invalid_request", "model_not_found")
		return
	}

	// The pipeline receives the full decoded body, not a trimmed view.
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid JSON body", "invalid_request", "")
		return
	}

	var user pipeline.User
	if req.User != "" {
		user = pipeline.User{"id": req.User}
	}

	AddLogField(r.Context(), "pipeline", req.Model)
	result, err := h.dispatcher.Execute(r.Context(), req.Model, body, user)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	if result.Warning != "" {
		AddLogField(r.Context(), "warning", result.Warning)
	}

	content := openai.ContentString(result.Body)
	usage := h.usage(req, content)
	writeJSON(w, http.StatusOK, openai.NewChatCompletion(req.Model, content, usage))
}

func (h *Handlers) usage(req openai.ChatCompletionRequest, content string) openai.Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += h.counter.CountText(req.Model, msg.Content)
	}
	completion := h.counter.CountText(req.Model, content)
	return openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// decodeID reads the {"id": ...} admin request body.
func decodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "body must be {\"id\": ...}", "invalid_request", "")
		return "", false
	}
	return req.ID, true
}
