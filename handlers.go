package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Version is reported by /api/version.
const Version = "0.0.1"

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Server        *Server
	Templates     *TemplateRegistry
	RuntimeFile   string
	SwaggerDocs   string
	MaxUploadSize int64

	upgrader websocket.Upgrader
}

func NewHandlers(server *Server, templates *TemplateRegistry, cfg *Config) *Handlers {
	return &Handlers{
		Server:        server,
		Templates:     templates,
		RuntimeFile:   cfg.RuntimeFile,
		SwaggerDocs:   cfg.SwaggerDocs,
		MaxUploadSize: cfg.MaxUploadSize,
		upgrader: websocket.Upgrader{
			// Templates are embedded by broadcast software from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

// HandleVersion reports the server version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: Version})
}

// HandleWebsocket upgrades the request and serves the client until it
// disconnects.
func (h *Handlers) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	name, ok := templateParam(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		slog.Warn("Websocket upgrade failed", "template", name, "error", err)
		return
	}
	h.Server.Serve(r.Context(), conn, name)
}

type setTextRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type manipulateClassRequest struct {
	ID    string `json:"id"`
	Class string `json:"class"`
}

type setImageSourceRequest struct {
	ID    string `json:"id"`
	Asset string `json:"asset"`
}

type broadcastResponse struct {
	Clients int `json:"clients"`
}

// HandleSetText sends SetText to the template's clients.
func (h *Handlers) HandleSetText(w http.ResponseWriter, r *http.Request) {
	var req setTextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	h.broadcast(w, r, SetText{ID: req.ID, Text: req.Text})
}

// HandleAddClass sends AddClass to the template's clients.
func (h *Handlers) HandleAddClass(w http.ResponseWriter, r *http.Request) {
	var req manipulateClassRequest
	if !decodeRequest(w, r, &req) || !validateClassRequest(w, req) {
		return
	}
	h.broadcast(w, r, AddClass{ID: req.ID, Class: req.Class})
}

// HandleRemoveClass sends RemoveClass to the template's clients.
func (h *Handlers) HandleRemoveClass(w http.ResponseWriter, r *http.Request) {
	var req manipulateClassRequest
	if !decodeRequest(w, r, &req) || !validateClassRequest(w, req) {
		return
	}
	h.broadcast(w, r, RemoveClass{ID: req.ID, Class: req.Class})
}

// HandleExecuteAnimation starts the animation named in the path.
func (h *Handlers) HandleExecuteAnimation(w http.ResponseWriter, r *http.Request) {
	animation := chi.URLParam(r, "animation")
	if animation == "" {
		http.Error(w, "animation is required", http.StatusBadRequest)
		return
	}
	h.broadcast(w, r, ExecuteAnimation{AnimationSequence: animation})
}

// HandleSetImageSource points an image of the template at an asset.
func (h *Handlers) HandleSetImageSource(w http.ResponseWriter, r *http.Request) {
	var req setImageSourceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.ID == "" || req.Asset == "" {
		http.Error(w, "id and asset are required", http.StatusBadRequest)
		return
	}
	h.broadcast(w, r, SetImageSource{ID: req.ID, Asset: req.Asset})
}

func (h *Handlers) broadcast(w http.ResponseWriter, r *http.Request, msg Message) {
	name, ok := templateParam(w, r)
	if !ok {
		return
	}
	n := h.Server.Broadcast(name, msg)
	writeJSON(w, http.StatusOK, broadcastResponse{Clients: n})
}

// HandleUploadTemplate installs a zipped template sent as the "template"
// multipart field.
func (h *Handlers) HandleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := templateParam(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize)
	file, header, err := r.FormFile("template")
	if err != nil {
		writeFormError(w, err, "template")
		return
	}
	defer file.Close()

	if err := h.Templates.Upload(name, file, header.Size); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetAssets lists the asset file names of a template.
func (h *Handlers) HandleGetAssets(w http.ResponseWriter, r *http.Request) {
	name, ok := templateParam(w, r)
	if !ok {
		return
	}

	assets, err := h.Templates.Assets(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// HandleUploadAsset stores the "asset" multipart field as a template asset.
func (h *Handlers) HandleUploadAsset(w http.ResponseWriter, r *http.Request) {
	name, ok := templateParam(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize)
	file, header, err := r.FormFile("asset")
	if err != nil {
		writeFormError(w, err, "asset")
		return
	}
	defer file.Close()

	if err := h.Templates.SaveAsset(name, header.Filename, file); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRuntime serves the client runtime script and its source map.
func (h *Handlers) HandleRuntime(suffix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, h.RuntimeFile+suffix)
	}
}

func templateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "template")
	if !ValidTemplateName(name) {
		http.Error(w, "invalid template name", http.StatusBadRequest)
		return "", false
	}
	return name, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func validateClassRequest(w http.ResponseWriter, req manipulateClassRequest) bool {
	if req.ID == "" || req.Class == "" {
		http.Error(w, "id and class are required", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeFormError(w http.ResponseWriter, err error, field string) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "missing "+field+" file", http.StatusBadRequest)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidTemplateName), errors.Is(err, ErrInvalidAssetName), errors.Is(err, ErrInvalidArchive):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrTemplateNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("Request failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
