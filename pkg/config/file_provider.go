package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-flow/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// ParseWorkflow decodes a workflow document. YAML is tried first, then JSON.
func ParseWorkflow(data []byte) (domain.Workflow, error) {
	var wf domain.Workflow
	if err := decode(data, &wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("failed to parse workflow document: %w", err)
	}
	return wf, nil
}

// LoadWorkflow reads and decodes a workflow document.
func LoadWorkflow(path string) (domain.Workflow, error) {
	// #nosec G304 -- Workflow path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	return ParseWorkflow(data)
}

// ProviderOption configures a FileWorkflowProvider.
type ProviderOption func(*FileWorkflowProvider)

// WithProviderLogger sets the slog logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *FileWorkflowProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDebounce sets how long the provider waits after the last write before reloading.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *FileWorkflowProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithReloadHook registers a callback invoked after every reload attempt.
func WithReloadHook(fn func(error)) ProviderOption {
	return func(p *FileWorkflowProvider) { p.onReload = fn }
}

// FileWorkflowProvider watches a workflow document and publishes every successfully parsed
// revision to its subscribers.
type FileWorkflowProvider struct {
	path        string
	mu          sync.RWMutex
	current     domain.Workflow
	loaded      bool
	subscribers []chan domain.Workflow
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	debounce    time.Duration
	onReload    func(error)
	logger      *slog.Logger
}

// NewFileWorkflowProvider creates a new provider watching the specified file.
func NewFileWorkflowProvider(path string, opts ...ProviderOption) (*FileWorkflowProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &FileWorkflowProvider{
		path:     absPath,
		watcher:  watcher,
		cancel:   cancel,
		debounce: defaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("workflow_file", absPath)

	// A missing file is not fatal; the provider publishes once it appears.
	if err := p.load(); err != nil {
		p.logger.Warn("initial workflow load failed", "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last successfully parsed workflow.
func (p *FileWorkflowProvider) Current() (domain.Workflow, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Clone(), p.loaded
}

// Subscribe returns a channel that receives workflow revisions. The current revision, if any,
// is delivered immediately. Slow consumers miss intermediate revisions.
func (p *FileWorkflowProvider) Subscribe() <-chan domain.Workflow {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.Workflow, 1)
	p.subscribers = append(p.subscribers, ch)
	if p.loaded {
		ch <- p.current.Clone()
	}
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileWorkflowProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileWorkflowProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					err := p.load()
					if err != nil {
						p.logger.Error("workflow reload failed", "error", err)
					} else {
						p.logger.Info("workflow reloaded")
					}
					if p.onReload != nil {
						p.onReload(err)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watcher error", "error", err)
		}
	}
}

func (p *FileWorkflowProvider) load() error {
	wf, err := LoadWorkflow(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = wf
	p.loaded = true
	subscribers := make([]chan domain.Workflow, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Drop the stale revision so the newest one is always delivered.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- wf.Clone():
		default:
		}
	}

	return nil
}
