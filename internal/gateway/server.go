package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/caal/internal/buildinfo"
	"github.com/nugget/caal/internal/content"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// SettingsHook is called after a settings save changed something.
type SettingsHook func(ctx context.Context, change *settings.Change)

// Server is the HTTP control API.
type Server struct {
	address string
	port    int
	gateway *Gateway
	logger  *slog.Logger
	server  *http.Server

	settings  *settings.Manager
	content   *content.Resolver
	assembler *pipeline.Assembler
	runtime   http.Handler
	onChange  SettingsHook
	setup     *Setup
}

// NewServer creates the control API server.
func NewServer(address string, port int, gw *Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		gateway: gw,
		logger:  logger.With("component", "http"),
	}
}

// SetSettings enables GET/POST /settings.
func (s *Server) SetSettings(m *settings.Manager, hook SettingsHook) {
	s.settings = m
	s.onChange = hook
}

// SetContent enables GET/POST /prompt.
func (s *Server) SetContent(r *content.Resolver) {
	s.content = r
}

// SetAssembler enables GET /voices.
func (s *Server) SetAssembler(a *pipeline.Assembler) {
	s.assembler = a
}

// SetRuntime mounts the host runtime bridge on /runtime.
func (s *Server) SetRuntime(h http.Handler) {
	s.runtime = h
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /announce", s.handleAnnounce)
	mux.HandleFunc("POST /wake", s.handleWake)
	mux.HandleFunc("POST /reload-tools", s.handleReloadTools)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("POST /settings", s.handleSaveSettings)
	mux.HandleFunc("GET /prompt", s.handleGetPrompt)
	mux.HandleFunc("POST /prompt", s.handleSavePrompt)
	mux.HandleFunc("GET /voices", s.handleVoices)
	s.setupRoutes(mux)

	if s.runtime != nil {
		mux.Handle("GET /runtime", s.runtime)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting control API", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type announceRequest struct {
	Message  string `json:"message"`
	RoomName string `json:"room_name,omitempty"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.gateway.Announce(r.Context(), req.Message, req.RoomName)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("announce failed", "room", req.RoomName, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "announce failed: "+err.Error())
	default:
		writeJSON(w, res, s.logger)
	}
}

type wakeRequest struct {
	RoomName string `json:"room_name"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.gateway.Wake(r.Context(), req.RoomName)
	if err != nil {
		s.logger.Error("wake failed", "room", req.RoomName, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "wake failed: "+err.Error())
		return
	}
	writeJSON(w, res, s.logger)
}

type reloadRequest struct {
	ToolName string `json:"tool_name,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleReloadTools(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.gateway.ReloadTools(r.Context(), req.ToolName, req.Message)
	if err != nil {
		s.logger.Error("tool reload failed", "tool", req.ToolName, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, res, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.gateway.Health(r.Context()), s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

type toolsResponse struct {
	Generation   uint64                `json:"generation"`
	Integrations []string              `json:"integrations"`
	Tools        []tools.Definition    `json:"tools"`
	Collisions   []tools.NameCollision `json:"collisions,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	snap := s.gateway.catalog.Snapshot()
	resp := toolsResponse{
		Generation:   snap.Generation,
		Integrations: snap.Integrations(),
		Tools:        snap.Definitions(),
		Collisions:   snap.Collisions(),
	}
	if resp.Integrations == nil {
		resp.Integrations = []string{}
	}
	if resp.Tools == nil {
		resp.Tools = []tools.Definition{}
	}
	writeJSON(w, resp, s.logger)
}

type settingsResponse struct {
	Settings           map[string]any   `json:"settings"`
	PromptContent      string           `json:"prompt_content"`
	CustomPromptExists bool             `json:"custom_prompt_exists"`
	Languages          []string         `json:"languages,omitempty"`
	Limits             map[string]limit `json:"limits"`
	Warnings           []string         `json:"warnings,omitempty"`
	Changed            []string         `json:"changed,omitempty"`
	Ignored            []string         `json:"ignored,omitempty"`
	Restart            bool             `json:"restart,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.errorResponse(w, http.StatusNotFound, "settings store not configured")
		return
	}
	resp, err := s.settingsView(r.Context())
	if err != nil {
		s.logger.Error("load settings failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp, s.logger)
}

type settingsUpdate struct {
	Settings map[string]any `json:"settings"`
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.errorResponse(w, http.StatusNotFound, "settings store not configured")
		return
	}
	var req settingsUpdate
	if err := decode(w, r, &req); err != nil || req.Settings == nil {
		s.errorResponse(w, http.StatusBadRequest, "settings object is required")
		return
	}
	change, err := s.settings.Save(r.Context(), req.Settings)
	if err != nil {
		s.logger.Error("save settings failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if change.Restarts() && s.onChange != nil {
		s.onChange(r.Context(), change)
	}

	resp, err := s.settingsView(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Changed = change.Changed
	resp.Ignored = change.Ignored
	resp.Restart = change.Restarts()
	writeJSON(w, resp, s.logger)
}

// limit is the accepted range of a numeric setting.
type limit struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// settingLimits returns the clamp bounds of every numeric setting.
func settingLimits() map[string]limit {
	out := make(map[string]limit)
	for _, key := range settings.Keys() {
		if lo, hi, ok := settings.Range(key); ok {
			out[key] = limit{Min: lo, Max: hi}
		}
	}
	return out
}

// settingsView returns the persisted settings with secrets masked, the
// active prompt text, the numeric bounds, the languages with shipped
// content and any resolution warnings.
func (s *Server) settingsView(ctx context.Context) (*settingsResponse, error) {
	stored, err := s.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	resp := &settingsResponse{Settings: settings.Redact(stored), Limits: settingLimits()}

	res, err := settings.ResolveWithReport(stored)
	var cfgErr *settings.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		resp.Warnings = append(resp.Warnings, cfgErr.Error())
	case err != nil:
		return nil, err
	default:
		for _, w := range res.Warnings {
			resp.Warnings = append(resp.Warnings, w.String())
		}
	}

	if s.content != nil {
		lang, _ := stored["language"].(string)
		p, err := s.activePrompt(lang, stored["prompt"] == settings.PromptCustom)
		if err != nil {
			return nil, err
		}
		resp.PromptContent = p.Content
		_, resp.CustomPromptExists, _ = s.content.CustomPrompt()
		resp.Languages = s.content.Languages()
	}
	return resp, nil
}

type promptResponse struct {
	Prompt   string `json:"prompt"`
	Content  string `json:"content"`
	IsCustom bool   `json:"is_custom"`
}

func (s *Server) activePrompt(lang string, custom bool) (*promptResponse, error) {
	if custom {
		text, ok, err := s.content.CustomPrompt()
		if err != nil {
			return nil, err
		}
		if ok {
			return &promptResponse{Prompt: settings.PromptCustom, Content: text, IsCustom: true}, nil
		}
	}
	if lang == "" {
		lang = settings.DefaultLanguage
	}
	text, err := s.content.DefaultPrompt(lang)
	if err != nil {
		return nil, err
	}
	return &promptResponse{Prompt: settings.PromptDefault, Content: text}, nil
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if s.content == nil {
		s.errorResponse(w, http.StatusNotFound, "prompt content not configured")
		return
	}
	lang := r.URL.Query().Get("language")
	custom := true
	if s.settings != nil {
		if stored, err := s.settings.Load(r.Context()); err == nil {
			if lang == "" {
				lang, _ = stored["language"].(string)
			}
			custom = stored["prompt"] == settings.PromptCustom
		}
	}
	resp, err := s.activePrompt(lang, custom)
	if err != nil {
		s.logger.Error("load prompt failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp, s.logger)
}

type promptUpdate struct {
	Prompt  string `json:"prompt,omitempty"`
	Content string `json:"content"`
}

// handleSavePrompt writes the custom prompt and, unless the request
// selects "default", makes it the active prompt.
func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	if s.content == nil {
		s.errorResponse(w, http.StatusNotFound, "prompt content not configured")
		return
	}
	var req promptUpdate
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	selection := req.Prompt
	if selection == "" {
		selection = settings.PromptCustom
	}
	if selection != settings.PromptCustom && selection != settings.PromptDefault {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("prompt must be %q or %q", settings.PromptDefault, settings.PromptCustom))
		return
	}
	if selection == settings.PromptCustom {
		if req.Content == "" {
			s.errorResponse(w, http.StatusBadRequest, "content is required")
			return
		}
		if err := s.content.SaveCustomPrompt(req.Content); err != nil {
			s.logger.Error("save prompt failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if s.settings != nil {
		change, err := s.settings.Save(r.Context(), map[string]any{"prompt": selection})
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		if selection == settings.PromptCustom {
			change.Changed = append(change.Changed, "custom_prompt")
		}
		if change.Restarts() && s.onChange != nil {
			s.onChange(r.Context(), change)
		}
	}

	if selection == settings.PromptCustom {
		writeJSON(w, promptResponse{Prompt: selection, Content: req.Content, IsCustom: true}, s.logger)
		return
	}
	resp, err := s.activePrompt(r.URL.Query().Get("language"), false)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp, s.logger)
}

type voicesResponse struct {
	Provider string   `json:"provider"`
	Language string   `json:"language"`
	Voices   []string `json:"voices"`
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.assembler == nil {
		s.errorResponse(w, http.StatusNotFound, "voices not configured")
		return
	}
	q := r.URL.Query()
	lang := q.Get("language")
	if lang == "" {
		lang = settings.DefaultLanguage
	}
	names := []string{q.Get("provider")}
	if names[0] == "" {
		names = names[:0]
		for _, v := range s.assembler.Variants() {
			names = append(names, v.Name())
		}
	}

	out := make([]voicesResponse, 0, len(names))
	for _, name := range names {
		voices, err := s.assembler.Voices(r.Context(), name, lang)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		if voices == nil {
			voices = []string{}
		}
		out = append(out, voicesResponse{Provider: name, Language: lang, Voices: voices})
	}
	if q.Get("provider") != "" {
		writeJSON(w, out[0], s.logger)
		return
	}
	writeJSON(w, map[string]any{"providers": out}, s.logger)
}
