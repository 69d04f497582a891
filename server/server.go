package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shiny_assistant/assistant"
	"shiny_assistant/connect"
	"shiny_assistant/generator"
	"shiny_assistant/markup"
	"shiny_assistant/preview"
	"shiny_assistant/render"
	"shiny_assistant/workspace"
)

//go:embed web
var embeddedStatic embed.FS

// ContentRepository lists deployed apps and downloads their bundles.
type ContentRepository interface {
	Find(ctx context.Context) ([]connect.Content, error)
	assistant.ContentSource
}

// Options wires the server to the rest of the assistant.
type Options struct {
	Agent   *generator.Agent
	Context *assistant.PreviewContext
	// PreviewURL is what the browser iframe loads; defaults to the preview's own URL.
	PreviewURL     string
	Content        ContentRepository
	ResetWorkspace bool
	TurnTimeout    time.Duration
	SubmitLimit    rate.Limit
	SubmitBurst    int
	Logger         *log.Logger
	Verbose        bool
}

type Server struct {
	opts     Options
	store    *sessionStore
	staticFS http.Handler
}

// sessionEntry 是会话及其通知通道、提交限流器。
type sessionEntry struct {
	sess    *assistant.Session
	hub     *assistant.Hub
	limiter *rate.Limiter
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func newStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*sessionEntry)}
}

func (s *sessionStore) set(id string, ent *sessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = ent
}

func (s *sessionStore) get(id string) (*sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.sessions[id]
	return ent, ok
}

func (s *sessionStore) remove(id string) (*sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.sessions[id]
	delete(s.sessions, id)
	return ent, ok
}

func (s *sessionStore) all() []*sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sessionEntry, 0, len(s.sessions))
	for _, ent := range s.sessions {
		out = append(out, ent)
	}
	return out
}

func New(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, errors.New("generator agent required")
	}
	if opts.Context == nil || opts.Context.Preview == nil {
		return nil, errors.New("preview context required")
	}
	if opts.PreviewURL == "" {
		opts.PreviewURL = opts.Context.Preview.URL()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 5 * time.Minute
	}
	if opts.SubmitLimit <= 0 {
		opts.SubmitLimit = 1
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	sub, err := fs.Sub(embeddedStatic, "web")
	if err != nil {
		return nil, err
	}

	return &Server{
		opts:     opts,
		store:    newStore(),
		staticFS: http.FileServer(http.FS(sub)),
	}, nil
}

func (s *Server) infof(format string, args ...interface{}) {
	if !s.opts.Verbose {
		return
	}
	s.opts.Logger.Printf("[INFO] [server] "+format, args...)
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/sessions/{id}/show", s.handleShow)
	mux.HandleFunc("GET /api/sessions/{id}/files/{name...}", s.handleFile)
	mux.HandleFunc("POST /api/sessions/{id}/open", s.handleOpen)
	mux.HandleFunc("GET /api/content", s.handleContentList)
	mux.HandleFunc("/api/", http.NotFound)
	mux.Handle("/", s.staticFS)
	return logMiddleware(s.opts.Logger, mux)
}

// NotifyAll sends ev to every open session, e.g. reload-preview after the
// shared working directory changed on disk.
func (s *Server) NotifyAll(ev assistant.Event) {
	for _, ent := range s.store.all() {
		ent.hub.Notify(ev)
	}
}

// Close tears down every session.
func (s *Server) Close() {
	for _, ent := range s.store.all() {
		s.store.remove(ent.sess.ID)
		ent.hub.Close()
		if err := ent.sess.Close(); err != nil {
			s.opts.Logger.Printf("[server] close session %s: %v", ent.sess.ID, err)
		}
	}
}

// --- Handlers ---

type sessionCreateReq struct {
	Verbosity string `json:"verbosity"`
}

type sessionCreateResp struct {
	SessionID    string `json:"session_id"`
	Greeting     string `json:"greeting"`
	GreetingHTML string `json:"greeting_html"`
	PreviewURL   string `json:"preview_url"`
}

type messageReq struct {
	Content   string `json:"content"`
	Verbosity string `json:"verbosity,omitempty"`
}

type deltaPayload struct {
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
}

// sessionStateResp 附带渲染好的历史消息，页面刷新后可直接重建聊天记录。
type sessionStateResp struct {
	assistant.Snapshot
	HistoryHTML []string `json:"history_html"`
}

// showReq: smooth=false 用于程序触发的刷新，省掉展开动画。
type showReq struct {
	Smooth *bool `json:"smooth,omitempty"`
}

type openReq struct {
	GUID string `json:"guid"`
}

type openResp struct {
	GUID  string         `json:"guid"`
	Files markup.FileSet `json:"files"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	hub := assistant.NewHub()
	id := uuid.NewString()
	sess, err := assistant.NewSession(id, assistant.Options{
		Agent:          s.opts.Agent,
		Context:        s.opts.Context,
		Notifier:       hub,
		Verbosity:      generator.ParseVerbosity(req.Verbosity),
		ResetWorkspace: s.opts.ResetWorkspace,
		Logger:         s.opts.Logger,
		Verbose:        s.opts.Verbose,
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.store.set(id, &sessionEntry{
		sess:    sess,
		hub:     hub,
		limiter: rate.NewLimiter(s.opts.SubmitLimit, s.opts.SubmitBurst),
	})
	greetingHTML, _ := render.Markdown(generator.Greeting)
	s.infof("session %s created", id)
	writeJSON(w, sessionCreateResp{
		SessionID:    id,
		Greeting:     generator.Greeting,
		GreetingHTML: greetingHTML,
		PreviewURL:   s.opts.PreviewURL,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*sessionEntry, bool) {
	ent, ok := s.store.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
	}
	return ent, ok
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap := ent.sess.Snapshot()
	snap.PreviewURL = s.opts.PreviewURL
	resp := sessionStateResp{Snapshot: snap, HistoryHTML: make([]string, 0, len(snap.History))}
	for _, m := range snap.History {
		if m.Role != generator.RoleAssistant {
			resp.HistoryHTML = append(resp.HistoryHTML, html.EscapeString(m.Content))
			continue
		}
		_, out, err := render.Message(m.Content)
		if err != nil {
			out = html.EscapeString(m.Content)
		}
		resp.HistoryHTML = append(resp.HistoryHTML, out)
	}
	writeJSON(w, resp)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.store.remove(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	ent.hub.Close()
	if err := ent.sess.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !ent.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	var req messageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.Verbosity != "" {
		ent.sess.SetVerbosity(generator.ParseVerbosity(req.Verbosity))
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()
	err := ent.sess.Submit(ctx, req.Content, func(display string) {
		htmlOut, err := render.Markdown(display)
		if err != nil {
			s.opts.Logger.Printf("[server] render: %v", err)
		}
		_ = writeEvent(w, "delta", deltaPayload{Markdown: display, HTML: htmlOut})
		flusher.Flush()
	})
	if err != nil {
		s.opts.Logger.Printf("[server] session=%s turn failed: %v", ent.sess.ID, err)
		_ = writeEvent(w, "error", assistant.ErrorPayload{Error: err.Error()})
	} else {
		snap := ent.sess.Snapshot()
		snap.PreviewURL = s.opts.PreviewURL
		_ = writeEvent(w, "done", snap)
	}
	flusher.Flush()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	events, cancel := ent.hub.Subscribe()
	defer cancel()

	setSSEHeaders(w)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev.Type, ev.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req showReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Smooth != nil {
		ent.sess.SetSmoothTransition(*req.Smooth)
	}
	ent.sess.ForceShow()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	files := ent.sess.Files()
	if files == nil {
		http.Error(w, "no app files yet", http.StatusNotFound)
		return
	}
	f, ok := files.Lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if f.Kind == markup.KindBinary {
		http.Error(w, "binary file cannot be displayed", http.StatusUnsupportedMediaType)
		return
	}
	out, err := render.File(f.Name, f.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, out)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.opts.Content == nil {
		http.Error(w, "content repository not configured", http.StatusServiceUnavailable)
		return
	}
	var req openReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.GUID) == "" {
		http.Error(w, "guid is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()
	set, err := ent.sess.OpenContent(ctx, s.opts.Content, req.GUID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, openResp{GUID: req.GUID, Files: set})
}

func (s *Server) handleContentList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Content == nil {
		http.Error(w, "content repository not configured", http.StatusServiceUnavailable)
		return
	}
	items, err := s.opts.Content.Find(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, items)
}

// --- Helpers ---

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, workspace.ErrPathInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workspace.ErrFilesystem):
		return http.StatusInternalServerError
	case errors.Is(err, preview.ErrLaunch):
		return http.StatusServiceUnavailable
	case errors.Is(err, connect.ErrRepository):
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// statusRecorder 记录响应码；Flush 透传给 SSE。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if path == "" {
			path = "/"
		}
		logger.Printf("[server] %s %s %d %s", r.Method, path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
