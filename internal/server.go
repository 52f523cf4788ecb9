package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

const maxUploadBytes = 32 << 20

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type Server struct {
	analysis  *AnalysisService
	query     *QueryService
	provider  *SearchProvider
	blobs     BlobStore
	uploadDir string
	origins   []string
	timeout   time.Duration
	log       *zap.Logger
}

type ServerDeps struct {
	Analysis *AnalysisService
	Query    *QueryService
	Provider *SearchProvider
	// Blobs is served under /blobs/ when set.
	Blobs BlobStore
}

func NewServer(cfg ServerConfig, deps ServerDeps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		analysis:  deps.Analysis,
		query:     deps.Query,
		provider:  deps.Provider,
		blobs:     deps.Blobs,
		uploadDir: cfg.UploadDir,
		origins:   cfg.CORSOrigins,
		timeout:   cfg.RequestTimeout,
		log:       log,
	}
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /analyze_mri", s.handleAnalyze)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /analysis/{ts}", s.handleGetAnalysis)
	mux.HandleFunc("POST /find_similar", s.handleFindSimilar)
	mux.HandleFunc("GET /atlas/cases/{id}/image", s.handleCaseImage)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.blobs != nil {
		mux.HandleFunc("GET /blobs/{key...}", s.handleBlob)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	return c.Handler(s.withRequestLog(s.withTimeout(mux)))
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.log.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	if s.timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
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

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	data, name, err := readUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out, err := s.analysis.Analyze(r.Context(), AnalyzeInput{Image: data, Filename: name})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type chatRequest struct {
	Prompt    string `json:"prompt"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, badRequest("invalid JSON body"))
		return
	}

	out, err := s.analysis.Chat(r.Context(), ChatInput{Prompt: req.Prompt, Timestamp: req.Timestamp})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.analysis.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	out, err := s.analysis.GetAnalysis(r.Context(), r.PathValue("ts"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFindSimilar(w http.ResponseWriter, r *http.Request) {
	data, name, err := readUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	k := 0
	if raw := r.FormValue("k"); raw != "" {
		if k, err = strconv.Atoi(raw); err != nil {
			s.writeError(w, badRequest("k must be an integer"))
			return
		}
	}

	tmp, err := s.stageUpload(name, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer os.Remove(tmp)

	cases, err := s.query.FindSimilar(r.Context(), tmp, k)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"similar_cases": cases})
}

func (s *Server) handleCaseImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, badRequest("case id must be an integer"))
		return
	}

	file, err := s.query.CaseFile(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.ServeFile(w, r, file)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	search := "degraded"
	if s.provider != nil && s.provider.Ready(r.Context()) {
		search = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "search": search})
}

// stageUpload writes an upload under the upload directory with a sanitised
// name and returns its path.
func (s *Server) stageUpload(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	f, err := os.CreateTemp(s.uploadDir, "*-"+sanitizeFilename(name))
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("stage upload: %w", errors.Join(werr, cerr))
	}
	return f.Name(), nil
}

func sanitizeFilename(name string) string {
	clean := unsafeFilenameChars.ReplaceAllString(filepath.Base(name), "_")
	if clean == "" || clean == "." || clean == ".." || clean == "_" {
		return "upload"
	}
	return clean
}

func readUpload(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, "", ErrNoFile
	}

	file, header, err := r.FormFile("file")
	if err != nil || header.Filename == "" {
		return nil, "", ErrNoFile
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrNoFile
	}
	return data, header.Filename, nil
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status  = http.StatusInternalServerError
		payload = map[string]string{"error": err.Error()}
		br      badRequest
		oj      *OracleJSONError
	)

	switch {
	case errors.As(err, &br), errors.Is(err, ErrNoFile), errors.Is(err, ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoAnalysis), errors.Is(err, ErrBlobNotFound), errors.Is(err, ErrCaseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSearchUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &oj):
		status = http.StatusBadGateway
		payload["raw_response"] = oj.Raw
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
