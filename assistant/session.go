// Package assistant coordinates one chat session: it streams model output,
// rewrites it for display, pulls app files out of closed <SHINYAPP> blocks,
// syncs them to the working directory and keeps the preview running.
package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"shiny_assistant/connect"
	"shiny_assistant/generator"
	"shiny_assistant/markup"
	"shiny_assistant/workspace"
)

// Previewer is the part of preview.Manager a session needs.
type Previewer interface {
	EnsureStarted(ctx context.Context, dir string) error
	Stop() error
	URL() string
}

// PreviewContext is the working directory plus the preview process serving
// it. By default one context is shared by every session of the server,
// so concurrent sessions overwrite each other's files (known limitation).
type PreviewContext struct {
	Dir     string
	Preview Previewer
	Shared  bool
}

// ContentSource downloads deployed app bundles.
type ContentSource interface {
	FetchBundle(ctx context.Context, guid string, w io.Writer) (connect.Content, error)
}

// Options configures a new Session.
type Options struct {
	Agent          *generator.Agent
	Context        *PreviewContext
	Notifier       Notifier
	Language       generator.Language
	Verbosity      generator.Verbosity
	ResetWorkspace bool
	Logger         *log.Logger
	Verbose        bool
}

// Session 持有一个聊天会话的全部状态。事件按顺序处理：同一会话同一时刻只有一轮对话。
type Session struct {
	ID        string
	CreatedAt time.Time

	agent    *generator.Agent
	pctx     *PreviewContext
	notifier Notifier
	logger   *log.Logger
	verbose  bool

	// turn serializes Submit and OpenContent: a second request queues behind the first.
	turn chan struct{}

	mu               sync.Mutex
	history          []generator.Message
	files            *markup.FileSet
	buffer           strings.Builder
	previewVisible   bool
	smoothTransition bool
	language         generator.Language
	verbosity        generator.Verbosity
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	ID             string              `json:"session_id"`
	CreatedAt      time.Time           `json:"created_at"`
	Files          *markup.FileSet     `json:"files"`
	PreviewVisible bool                `json:"preview_visible"`
	PreviewURL     string              `json:"preview_url"`
	Language       generator.Language  `json:"language"`
	Verbosity      generator.Verbosity `json:"verbosity"`
	History        []generator.Message `json:"history"`
}

// NewSession 创建会话；ResetWorkspace 时先清空工作目录。
func NewSession(id string, opts Options) (*Session, error) {
	if opts.Agent == nil {
		return nil, errors.New("generator agent required")
	}
	if opts.Context == nil || opts.Context.Dir == "" || opts.Context.Preview == nil {
		return nil, errors.New("preview context with dir and preview required")
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Language == "" {
		opts.Language = generator.LanguagePython
	}
	if opts.Verbosity == "" {
		opts.Verbosity = generator.VerbosityConcise
	}
	if _, err := generator.BuildSystemPrompt(opts.Language, opts.Verbosity); err != nil {
		return nil, err
	}
	if opts.ResetWorkspace {
		if err := resetContext(opts.Context); err != nil {
			return nil, err
		}
	}
	return &Session{
		ID:               id,
		CreatedAt:        time.Now(),
		agent:            opts.Agent,
		pctx:             opts.Context,
		notifier:         opts.Notifier,
		logger:           opts.Logger,
		verbose:          opts.Verbose,
		turn:             make(chan struct{}, 1),
		history:          []generator.Message{{Role: generator.RoleAssistant, Content: generator.Greeting}},
		smoothTransition: true,
		language:         opts.Language,
		verbosity:        opts.Verbosity,
	}, nil
}

func (s *Session) infof(format string, args ...interface{}) {
	if !s.verbose {
		return
	}
	s.logger.Printf("[INFO] [session %s] "+format, append([]interface{}{s.ID}, args...)...)
}

// Submit runs one user turn. onDisplay receives the display markdown of the
// whole response so far after every chunk. It waits for any turn already in
// flight on this session.
func (s *Session) Submit(ctx context.Context, text string, onDisplay func(display string)) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message is empty")
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	s.history = append(s.history, generator.Message{Role: generator.RoleUser, Content: text})
	history := append([]generator.Message(nil), s.history...)
	files := s.files
	lang, verbosity := s.language, s.verbosity
	s.buffer.Reset()
	s.mu.Unlock()

	if files == nil && workspace.Exists(s.pctx.Dir) {
		if onDisk, err := workspace.Read(s.pctx.Dir); err == nil && len(onDisk.Files) > 0 {
			files = &onDisk
		}
	}

	system, err := generator.BuildSystemPrompt(lang, verbosity)
	if err != nil {
		return err
	}

	s.infof("turn started, %d messages in history", len(history))
	raw, err := s.agent.Respond(ctx, system, history, files, func(delta string) {
		display, _ := s.HandleChunk(ctx, delta)
		if onDisplay != nil {
			onDisplay(display)
		}
	})
	if raw != "" {
		s.mu.Lock()
		s.history = append(s.history, generator.Message{Role: generator.RoleAssistant, Content: raw})
		s.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("model stream: %w", err)
	}
	s.infof("turn finished, %d bytes", len(raw))
	return nil
}

// HandleChunk appends one streamed chunk to the turn buffer and returns the
// display text of the whole buffer. Once the buffer holds a closed app block
// the extracted files become the current FileSet. The returned error is a
// sync or preview failure; it has already been reported to the notifier.
func (s *Session) HandleChunk(ctx context.Context, chunk string) (string, error) {
	s.mu.Lock()
	s.buffer.WriteString(chunk)
	buf := s.buffer.String()
	s.mu.Unlock()

	display := markup.Transform(buf)
	if chunk == "" || !markup.HasClosedBlock(buf) {
		return display, nil
	}
	set, ok := markup.Extract(buf)
	if !ok {
		return display, nil
	}
	return display, s.SetFiles(ctx, set)
}

// SetFiles replaces the current FileSet. When it changed and asks for
// autorun, the files are synced, the preview is started and made visible.
func (s *Session) SetFiles(ctx context.Context, set markup.FileSet) error {
	s.mu.Lock()
	changed := s.files == nil || !s.files.Equal(set)
	cp := set
	s.files = &cp
	s.mu.Unlock()

	if !changed || !set.Autorun {
		return nil
	}
	return s.apply(ctx, set)
}

func (s *Session) apply(ctx context.Context, set markup.FileSet) error {
	s.logger.Printf("[sync] session=%s writing %d files to %s", s.ID, len(set.Files), s.pctx.Dir)
	if err := workspace.Sync(s.pctx.Dir, set); err != nil {
		s.notifier.Notify(Event{Type: EventPreviewError, Data: ErrorPayload{Error: err.Error()}})
		return err
	}
	s.notifier.Notify(Event{Type: EventFilesSynced, Data: FilesPayload{Files: set.Names()}})

	if err := s.pctx.Preview.EnsureStarted(ctx, s.pctx.Dir); err != nil {
		s.logger.Printf("[preview] session=%s: %v", s.ID, err)
		s.notifier.Notify(Event{Type: EventPreviewError, Data: ErrorPayload{Error: "preview unavailable: " + err.Error()}})
		return err
	}
	s.setPreviewVisible(true)
	return nil
}

// ForceShow is the UI asking for the preview panel; no-op when already visible.
func (s *Session) ForceShow() {
	s.setPreviewVisible(true)
}

// SetSmoothTransition picks whether the next reveal animates.
func (s *Session) SetSmoothTransition(smooth bool) {
	s.mu.Lock()
	s.smoothTransition = smooth
	s.mu.Unlock()
}

func (s *Session) setPreviewVisible(visible bool) {
	s.mu.Lock()
	if s.previewVisible == visible {
		s.mu.Unlock()
		return
	}
	s.previewVisible = visible
	smooth := s.smoothTransition
	s.mu.Unlock()

	if visible {
		s.infof("showing preview (smooth=%v)", smooth)
		s.notifier.Notify(Event{Type: EventShowPreview, Data: ShowPreviewPayload{Show: true, Smooth: smooth}})
	}
}

// SetVerbosity changes the prose level of later turns.
func (s *Session) SetVerbosity(v generator.Verbosity) {
	s.mu.Lock()
	s.verbosity = v
	s.mu.Unlock()
}

// OpenContent downloads a deployed app, unpacks it into the working
// directory and makes it the current FileSet.
func (s *Session) OpenContent(ctx context.Context, repo ContentSource, guid string) (markup.FileSet, error) {
	if repo == nil {
		return markup.FileSet{}, errors.New("content repository not configured")
	}
	if err := s.acquire(ctx); err != nil {
		return markup.FileSet{}, err
	}
	defer s.release()

	var bundle bytes.Buffer
	item, err := repo.FetchBundle(ctx, guid, &bundle)
	if err != nil {
		return markup.FileSet{}, err
	}
	s.logger.Printf("[connect] session=%s opening %q (%s)", s.ID, item.Title, guid)
	if err := resetContext(s.pctx); err != nil {
		return markup.FileSet{}, err
	}
	s.mu.Lock()
	s.previewVisible = false
	s.mu.Unlock()
	if err := workspace.ExtractArchive(&bundle, s.pctx.Dir); err != nil {
		return markup.FileSet{}, err
	}
	set, err := workspace.Read(s.pctx.Dir)
	if err != nil {
		return markup.FileSet{}, err
	}
	set.Autorun = true
	// 预览进程已被停掉，即使文件与当前 FileSet 相同也要重新启动。
	s.mu.Lock()
	cp := set
	s.files = &cp
	s.mu.Unlock()
	if err := s.apply(ctx, set); err != nil {
		return set, err
	}
	return set, nil
}

// resetContext stops the preview before removing its working directory;
// a process left running would keep serving the deleted directory.
func resetContext(pctx *PreviewContext) error {
	if err := pctx.Preview.Stop(); err != nil {
		return err
	}
	return workspace.Reset(pctx.Dir)
}

// Files returns the current FileSet, or nil before the first extraction.
func (s *Session) Files() *markup.FileSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		return nil
	}
	cp := *s.files
	return &cp
}

// PreviewVisible reports the preview panel flag.
func (s *Session) PreviewVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewVisible
}

// Snapshot copies the state for the UI.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		PreviewVisible: s.previewVisible,
		PreviewURL:     s.pctx.Preview.URL(),
		Language:       s.language,
		Verbosity:      s.verbosity,
		History:        append([]generator.Message(nil), s.history...),
	}
	if s.files != nil {
		cp := *s.files
		snap.Files = &cp
	}
	return snap
}

// Close tears the session down. A shared preview keeps running for the
// other sessions; a private one is stopped.
func (s *Session) Close() error {
	s.infof("closing")
	if s.pctx.Shared {
		return nil
	}
	return s.pctx.Preview.Stop()
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.turn
}
