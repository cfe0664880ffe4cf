// Package ops implements the file operation engine: the only code allowed
// to change physical storage. It keeps the vault tree, the stored objects
// and name uniqueness consistent across add, move, copy and delete.
//
// Tree changes happen under the registry lock; physical storage calls
// never do. An operation therefore runs as a sequence of short locked
// steps around its storage calls, and rechecks the tree after each one.
package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/scheduler"
	"github.com/kevinMEH/web-vault/internal/storage"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

var (
	// ErrInvalidPath means a path did not validate or did not resolve.
	ErrInvalidPath = errors.New("invalid path")
	// ErrConflict means the destination is taken or no free name was left.
	ErrConflict = errors.New("conflict")
	// ErrVaultGone means the target vault was deleted while the operation ran.
	ErrVaultGone = fmt.Errorf("%w: vault no longer exists", ErrInvalidPath)
	// ErrIO means a physical storage call failed. Details are logged only.
	ErrIO = errors.New("storage operation failed")
	// ErrStagingExhausted means storage name allocation kept failing. It is
	// fatal and is also delivered on Engine.Fatal.
	ErrStagingExhausted = errors.New("storage name allocation exhausted")
)

const (
	// DefaultDeleteGrace is how long stored objects outlive their tree entry.
	DefaultDeleteGrace = 30 * time.Second
	// DefaultMaxAllocFailures bounds consecutive unexpected allocation errors.
	DefaultMaxAllocFailures = 5
)

// Change describes a completed tree mutation.
type Change struct {
	Op          string
	Vault       string
	Path        string
	SourceVault string
	Source      string
}

// Change operations.
const (
	OpCreate      = "create"
	OpMkdir       = "mkdir"
	OpDelete      = "delete"
	OpMove        = "move"
	OpCopy        = "copy"
	OpVaultCreate = "vault_create"
	OpVaultDelete = "vault_delete"
)

// Notifier receives changes after they are applied.
type Notifier interface {
	Notify(c Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(c Change)

func (f NotifierFunc) Notify(c Change) { f(c) }

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	DeleteGrace      time.Duration
	MaxAllocFailures int
	Notifier         Notifier
}

// Engine performs file operations against a registry and a backend.
type Engine struct {
	reg   *vfs.Registry
	store storage.Backend
	sched *scheduler.Scheduler

	deleteGrace      time.Duration
	maxAllocFailures int
	notifier         Notifier

	fatal     chan error
	fatalOnce sync.Once

	// stranded records files whose object is not in their own vault's
	// area, keyed to the area that holds it. A cross-vault move puts a
	// file here until its object is relocated.
	strandedMu sync.Mutex
	stranded   map[*vfs.File]string
}

// New creates an engine.
func New(reg *vfs.Registry, store storage.Backend, sched *scheduler.Scheduler, opts Options) *Engine {
	if opts.DeleteGrace <= 0 {
		opts.DeleteGrace = DefaultDeleteGrace
	}
	if opts.MaxAllocFailures <= 0 {
		opts.MaxAllocFailures = DefaultMaxAllocFailures
	}
	return &Engine{
		reg:              reg,
		store:            store,
		sched:            sched,
		deleteGrace:      opts.DeleteGrace,
		maxAllocFailures: opts.MaxAllocFailures,
		notifier:         opts.Notifier,
		fatal:            make(chan error, 1),
		stranded:         make(map[*vfs.File]string),
	}
}

// Registry returns the registry the engine mutates.
func (e *Engine) Registry() *vfs.Registry { return e.reg }

// Fatal delivers at most one error, sent when allocation is exhausted.
// The process is expected to shut down when it fires.
func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) escalate(err error) {
	e.fatalOnce.Do(func() {
		logging.Error("storage allocation exhausted, requesting shutdown", zap.Error(err))
		e.fatal <- err
	})
}

func (e *Engine) now() time.Time { return e.sched.Clock().Now() }

func (e *Engine) notify(c Change) {
	if e.notifier != nil {
		e.notifier.Notify(c)
	}
}

// observe records the outcome of an operation.
func observe(op string, start time.Time, err error) {
	metrics.RecordOperation(op, result(err), time.Since(start))
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStagingExhausted):
		return "exhausted"
	case errors.Is(err, ErrInvalidPath):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "io"
	}
}

// areaOf returns the area holding the object of f, a file of vault.
func (e *Engine) areaOf(f *vfs.File, vault string) string {
	e.strandedMu.Lock()
	defer e.strandedMu.Unlock()
	if area, ok := e.stranded[f]; ok {
		return area
	}
	return storage.VaultArea(vault)
}

// strand records that the object of f lives in area. Recording a file's
// own vault area clears the entry.
func (e *Engine) strand(f *vfs.File, vault, area string) {
	e.strandedMu.Lock()
	defer e.strandedMu.Unlock()
	if area == storage.VaultArea(vault) {
		delete(e.stranded, f)
		return
	}
	e.stranded[f] = area
}

func (e *Engine) unstrand(f *vfs.File) {
	e.strandedMu.Lock()
	defer e.strandedMu.Unlock()
	delete(e.stranded, f)
}

// object names one stored object.
type object struct {
	area   string
	handle string
}

// scheduleDelete removes the given objects once the grace delay has
// passed. Failures are logged and never retried.
func (e *Engine) scheduleDelete(vault string, objects []object) {
	if len(objects) == 0 {
		return
	}
	e.sched.After(e.deleteGrace, "delete "+vault, func() {
		for _, o := range objects {
			if err := e.store.Delete(context.Background(), o.area, o.handle); err != nil {
				logging.Error("deferred delete failed", logging.Op(OpDelete), logging.Vault(vault),
					zap.String("area", o.area), logging.Handle(o.handle), zap.Error(err))
			}
		}
		logging.Debug("deferred delete done", logging.Vault(vault), zap.Int("objects", len(objects)))
	})
}

// release detaches the objects of every file under n, a subtree just
// removed from vault, and returns them for deletion. Callers hold the
// registry lock.
func (e *Engine) release(vault string, n vfs.Node) []object {
	files := vfs.Files(n)
	objects := make([]object, 0, len(files))
	for _, f := range files {
		if f.StorageHandle() == "" {
			continue
		}
		objects = append(objects, object{area: e.areaOf(f, vault), handle: f.StorageHandle()})
		e.unstrand(f)
	}
	return objects
}
