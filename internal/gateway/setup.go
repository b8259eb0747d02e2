package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/caal/internal/llm"
	"github.com/nugget/caal/internal/mcp"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/provider"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
)

// defaultCheckTimeout bounds one setup connection test.
const defaultCheckTimeout = 10 * time.Second

// Setup configures model management and the setup wizard's connection
// tests.
type Setup struct {
	// Installer downloads Piper voices into Speaches. Nil disables
	// POST /download-piper-model.
	Installer *speech.ModelInstaller

	// Prewarm starts loading the models the current settings use. It
	// reports whether a run was started and, when not, why. Nil
	// disables POST /prewarm.
	Prewarm func() (started bool, reason string)

	// GroqBaseURL is the Groq API root the key test calls.
	GroqBaseURL string

	// Timeout bounds each connection test. Zero uses ten seconds.
	Timeout time.Duration
}

// SetSetup enables the model and setup endpoints.
func (s *Server) SetSetup(st Setup) {
	if st.Timeout <= 0 {
		st.Timeout = defaultCheckTimeout
	}
	if st.GroqBaseURL == "" {
		st.GroqBaseURL = llm.DefaultGroqURL
	}
	s.setup = &st
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /download-piper-model", s.handleDownloadPiperModel)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("POST /prewarm", s.handlePrewarm)

	mux.HandleFunc("GET /wake-word/status", s.handleWakeWordStatus)
	mux.HandleFunc("POST /wake-word/enable", s.handleWakeWordToggle(true))
	mux.HandleFunc("POST /wake-word/disable", s.handleWakeWordToggle(false))

	mux.HandleFunc("POST /setup/test-ollama", s.handleTestOllama)
	mux.HandleFunc("POST /setup/test-groq", s.handleTestGroq)
	mux.HandleFunc("POST /setup/test-hass", s.handleTestHass)
	mux.HandleFunc("POST /setup/test-n8n", s.handleTestN8N)
}

type downloadRequest struct {
	ModelID string `json:"model_id"`
}

type downloadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleDownloadPiperModel(w http.ResponseWriter, r *http.Request) {
	if s.setup == nil || s.setup.Installer == nil {
		s.errorResponse(w, http.StatusNotFound, "model installer not configured")
		return
	}
	var req downloadRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.HasPrefix(req.ModelID, pipeline.PiperModelPrefix) {
		writeJSON(w, downloadResponse{Message: "not a Piper model: " + req.ModelID}, s.logger)
		return
	}

	downloaded, err := s.setup.Installer.Ensure(r.Context(), req.ModelID)
	switch {
	case err != nil:
		s.logger.Warn("piper model download failed", "model", req.ModelID, "error", err)
		writeJSON(w, downloadResponse{Message: err.Error()}, s.logger)
	case downloaded:
		s.logger.Info("piper model downloaded", "model", req.ModelID)
		writeJSON(w, downloadResponse{Success: true, Message: req.ModelID + " downloaded successfully"}, s.logger)
	default:
		writeJSON(w, downloadResponse{Success: true, Message: req.ModelID + " already installed"}, s.logger)
	}
}

// handleModels lists the models pulled on the configured Ollama host.
// An unreachable host yields an empty list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	host := llm.DefaultOllamaURL
	if s.settings != nil {
		if stored, err := s.settings.Load(r.Context()); err == nil {
			if h, _ := stored["ollama_host"].(string); h != "" {
				host = h
			}
		}
	}
	models, err := s.ollamaModels(r.Context(), host)
	if err != nil {
		s.logger.Warn("list ollama models failed", "host", host, "error", err)
		models = nil
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, map[string]any{"models": models}, s.logger)
}

func (s *Server) ollamaModels(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout())
	defer cancel()
	return llm.NewOllamaClient(host, "", llm.Options{}, nil, s.logger).ListModels(ctx)
}

type prewarmResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handlePrewarm(w http.ResponseWriter, _ *http.Request) {
	if s.setup == nil || s.setup.Prewarm == nil {
		s.errorResponse(w, http.StatusNotFound, "prewarm not configured")
		return
	}
	started, reason := s.setup.Prewarm()
	status := "skipped"
	if started {
		status = "started"
	}
	writeJSON(w, prewarmResponse{Status: status, Message: reason}, s.logger)
}

type wakeWordStatus struct {
	Enabled   bool    `json:"enabled"`
	Model     string  `json:"model"`
	Threshold float64 `json:"threshold"`
	Timeout   float64 `json:"timeout"`
	Restart   bool    `json:"restart,omitempty"`
}

func (s *Server) wakeWord(ctx context.Context) (*wakeWordStatus, error) {
	stored, err := s.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := settings.ResolveWithReport(stored)
	var cfgErr *settings.ConfigError
	if errors.As(err, &cfgErr) {
		// The wake word does not depend on the missing credential.
		stored["llm_provider"] = settings.ProviderOllama
		res, err = settings.ResolveWithReport(stored)
	}
	if err != nil {
		return nil, err
	}
	ww := res.Config.WakeWord
	return &wakeWordStatus{Enabled: ww.Enabled, Model: ww.Model, Threshold: ww.Threshold, Timeout: ww.Timeout}, nil
}

func (s *Server) handleWakeWordStatus(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.errorResponse(w, http.StatusNotFound, "settings store not configured")
		return
	}
	st, err := s.wakeWord(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, st, s.logger)
}

// handleWakeWordToggle persists wake_word_enabled. The host picks the
// change up when the session restarts.
func (s *Server) handleWakeWordToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.settings == nil {
			s.errorResponse(w, http.StatusNotFound, "settings store not configured")
			return
		}
		change, err := s.settings.Save(r.Context(), map[string]any{"wake_word_enabled": enabled})
		if err != nil {
			s.logger.Error("save wake word failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		if change.Restarts() && s.onChange != nil {
			s.onChange(r.Context(), change)
		}
		st, err := s.wakeWord(r.Context())
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		st.Restart = change.Restarts()
		s.logger.Info("wake word toggled", "enabled", enabled, "changed", st.Restart)
		writeJSON(w, st, s.logger)
	}
}

// connectionTest is the result of a setup wizard check.
type connectionTest struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	Models    []string `json:"models,omitempty"`
	ToolCount *int     `json:"tool_count,omitempty"`
}

func (s *Server) checkTimeout() time.Duration {
	if s.setup == nil {
		return defaultCheckTimeout
	}
	return s.setup.Timeout
}

type ollamaTestRequest struct {
	Host string `json:"host"`
}

func (s *Server) handleTestOllama(w http.ResponseWriter, r *http.Request) {
	var req ollamaTestRequest
	if err := decode(w, r, &req); err != nil || req.Host == "" {
		s.errorResponse(w, http.StatusBadRequest, "host is required")
		return
	}
	models, err := s.ollamaModels(r.Context(), req.Host)
	if err != nil {
		writeJSON(w, connectionTest{Error: describeFailure(err, "")}, s.logger)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, connectionTest{Success: true, Models: models}, s.logger)
}

type groqTestRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleTestGroq(w http.ResponseWriter, r *http.Request) {
	var req groqTestRequest
	if err := decode(w, r, &req); err != nil || req.APIKey == "" {
		s.errorResponse(w, http.StatusBadRequest, "api_key is required")
		return
	}
	base := llm.DefaultGroqURL
	if s.setup != nil {
		base = s.setup.GroqBaseURL
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout())
	defer cancel()
	models, err := llm.NewGroqClient(base, req.APIKey, "", llm.Options{}, nil, s.logger).ListModels(ctx)
	if err != nil {
		writeJSON(w, connectionTest{Error: describeFailure(err, "Invalid API key")}, s.logger)
		return
	}
	writeJSON(w, connectionTest{Success: true, Models: models}, s.logger)
}

type integrationTestRequest struct {
	Host  string `json:"host"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

func (s *Server) handleTestHass(w http.ResponseWriter, r *http.Request) {
	var req integrationTestRequest
	if err := decode(w, r, &req); err != nil || req.Host == "" || req.Token == "" {
		s.errorResponse(w, http.StatusBadRequest, "host and token are required")
		return
	}
	s.testMCP(w, r, "home_assistant", mcp.HomeAssistantURL(req.Host), req.Token, "Invalid access token")
}

func (s *Server) handleTestN8N(w http.ResponseWriter, r *http.Request) {
	var req integrationTestRequest
	if err := decode(w, r, &req); err != nil || req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, "url is required")
		return
	}
	s.testMCP(w, r, "n8n", req.URL, req.Token, "Invalid token")
}

// testMCP connects to an MCP server with throwaway credentials and
// counts its tools. Nothing is registered in the catalog.
func (s *Server) testMCP(w http.ResponseWriter, r *http.Request, name, url, token, authHint string) {
	ig := mcp.NewIntegration(name, mcp.HTTPConfig{
		URL:     url,
		Token:   token,
		Timeout: s.checkTimeout(),
		Logger:  s.logger,
	})
	defer func() {
		if err := ig.Close(); err != nil {
			s.logger.Debug("close test session failed", "integration", name, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout())
	defer cancel()
	caps, err := ig.ListCapabilities(ctx)
	if err != nil {
		writeJSON(w, connectionTest{Error: describeFailure(err, authHint)}, s.logger)
		return
	}
	n := len(caps)
	writeJSON(w, connectionTest{Success: true, ToolCount: &n}, s.logger)
}

// describeFailure turns a connection test error into the message the
// wizard shows. Rejected credentials get authHint when one is given.
func describeFailure(err error, authHint string) string {
	if authHint == "" {
		return err.Error()
	}
	var u *provider.UnavailableError
	if errors.As(err, &u) && u.Auth() {
		return authHint
	}
	var se *mcp.StatusError
	if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
		return authHint
	}
	return err.Error()
}
