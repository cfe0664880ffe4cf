package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/storage"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

// CreateVault provisions an empty vault.
func (e *Engine) CreateVault(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { observe("vault_create", start, err) }()

	if _, err := e.reg.Provision(name); err != nil {
		switch {
		case errors.Is(err, vfs.ErrVaultExists):
			return fmt.Errorf("%w: vault %s", ErrConflict, name)
		case errors.Is(err, vfs.ErrInvalidVaultName):
			return fmt.Errorf("%w: vault %q", ErrInvalidPath, name)
		}
		return err
	}

	logging.WithContext(ctx).Info("vault created", logging.Vault(name))
	e.notify(Change{Op: OpVaultCreate, Vault: name, Path: name})
	return nil
}

// DeleteVault unregisters a vault. Its stored objects are deleted after
// the grace delay, like any other deletion.
func (e *Engine) DeleteVault(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { observe("vault_delete", start, err) }()

	var objects []object
	err = e.reg.Update(func(t *vfs.Tree) error {
		root := t.RemoveVault(name)
		if root == nil {
			return fmt.Errorf("%w: vault %s", ErrInvalidPath, name)
		}
		objects = e.release(name, root)
		return nil
	})
	if err != nil {
		return err
	}

	e.scheduleDelete(name, objects)
	logging.WithContext(ctx).Info("vault deleted", logging.Vault(name), zap.Int("objects", len(objects)))
	e.notify(Change{Op: OpVaultDelete, Vault: name, Path: name})
	return nil
}

// FileInfo describes an opened file.
type FileInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// Open returns a reader for the stored object behind the file at p.
// A file deleted after Open returns stays readable for the grace delay.
func (e *Engine) Open(ctx context.Context, p vfs.Path) (io.ReadCloser, FileInfo, error) {
	var (
		area   string
		handle string
		info   FileInfo
	)
	e.reg.View(func(t *vfs.Tree) {
		if f := t.GetFileAt(p); f != nil {
			area = e.areaOf(f, p.Vault())
			handle = f.StorageHandle()
			info = FileInfo{Name: f.Name(), Size: f.ByteSize(), LastModified: f.LastModified()}
		}
	})
	if handle == "" {
		return nil, FileInfo{}, fmt.Errorf("%w: no file at %s", ErrInvalidPath, p)
	}

	rc, size, err := e.store.Get(ctx, area, handle)
	if err != nil {
		logging.WithContext(ctx).Error("open failed", logging.Op("open"), logging.Vault(p.Vault()),
			logging.Path(string(p)), zap.String("area", area), logging.Handle(handle), zap.Error(err))
		return nil, FileInfo{}, wrapIO(err, "open")
	}
	info.Size = size
	metrics.RecordDownload(size)
	return rc, info, nil
}

// SweepResult counts the objects handled by Sweep.
type SweepResult struct {
	Staging int
	Orphans int
	// Relocated counts objects a failed cross-vault move had left in
	// another vault's area, now moved into their file's own vault.
	Relocated int
	// Stranded counts such objects that could not be moved. Their files
	// keep reading them where they are.
	Stranded int
}

type sweepRef struct {
	file  *vfs.File
	vault string
	obj   object
}

// Sweep deletes leftover staging objects and vault objects no file
// refers to, and repairs files whose object a failed cross-vault move
// left behind. It must run before the engine serves requests, since
// in-flight operations own unreferenced objects.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	staged, err := e.store.List(ctx, storage.StagingArea)
	if err != nil {
		return res, fmt.Errorf("list staging: %w", err)
	}
	for _, name := range staged {
		if err := e.store.Delete(ctx, storage.StagingArea, name); err != nil {
			logging.Warn("sweep: delete staged object failed", logging.Handle(name), zap.Error(err))
			continue
		}
		res.Staging++
	}

	var (
		vaults []string
		refs   []sweepRef
	)
	e.reg.View(func(t *vfs.Tree) {
		vaults = t.Names()
		for _, vault := range vaults {
			for _, f := range vfs.Files(t.Vault(vault)) {
				if f.StorageHandle() == "" {
					continue
				}
				refs = append(refs, sweepRef{
					file:  f,
					vault: vault,
					obj:   object{area: e.areaOf(f, vault), handle: f.StorageHandle()},
				})
			}
		}
	})

	// present holds what each area stores, claimed what some file reads.
	// Only present but unclaimed objects are orphans.
	present := make(map[string]map[string]bool, len(vaults))
	claimed := make(map[object]bool, len(refs))
	for _, vault := range vaults {
		area := storage.VaultArea(vault)
		names, err := e.store.List(ctx, area)
		if err != nil {
			return res, fmt.Errorf("list vault %s: %w", vault, err)
		}
		set := make(map[string]bool, len(names))
		for _, name := range names {
			set[name] = true
		}
		present[area] = set
	}

	// A file reading from another vault's area, or whose object is not
	// where the tree says, was left behind by a failed cross-vault move.
	type repair struct {
		ref  sweepRef
		from object
	}
	var repairs []repair
	var missing []sweepRef
	for _, r := range refs {
		_, listed := present[r.obj.area]
		switch {
		case !listed:
			// Left in the area of a vault deleted since.
			repairs = append(repairs, repair{ref: r, from: r.obj})
		case !present[r.obj.area][r.obj.handle]:
			missing = append(missing, r)
		case r.obj.area != storage.VaultArea(r.vault):
			claimed[r.obj] = true
			repairs = append(repairs, repair{ref: r, from: r.obj})
		default:
			claimed[r.obj] = true
		}
	}
	for _, r := range missing {
		from, ok := findStranded(vaults, present, claimed, r.obj.handle)
		if !ok {
			logging.Warn("sweep: file has no stored object",
				logging.Vault(r.vault), logging.Handle(r.obj.handle))
			continue
		}
		claimed[from] = true
		e.strand(r.file, r.vault, from.area)
		repairs = append(repairs, repair{ref: r, from: from})
	}
	for _, r := range repairs {
		if err := e.relocate(ctx, r.ref.file, r.ref.vault, r.from); err != nil {
			logging.Warn("sweep: relocating stranded object failed", logging.Vault(r.ref.vault),
				zap.String("area", r.from.area), logging.Handle(r.from.handle), zap.Error(err))
			res.Stranded++
			continue
		}
		res.Relocated++
	}

	for _, vault := range vaults {
		area := storage.VaultArea(vault)
		for name := range present[area] {
			if claimed[object{area: area, handle: name}] {
				continue
			}
			if err := e.store.Delete(ctx, area, name); err != nil {
				logging.Warn("sweep: delete orphan failed",
					logging.Vault(vault), logging.Handle(name), zap.Error(err))
				continue
			}
			res.Orphans++
		}
	}

	if res != (SweepResult{}) {
		logging.Info("storage sweep done",
			zap.Int("staging", res.Staging), zap.Int("orphans", res.Orphans),
			zap.Int("relocated", res.Relocated), zap.Int("stranded", res.Stranded))
	}
	return res, nil
}

// findStranded looks for an unclaimed object named handle in any vault
// area.
func findStranded(vaults []string, present map[string]map[string]bool, claimed map[object]bool, handle string) (object, bool) {
	for _, vault := range vaults {
		o := object{area: storage.VaultArea(vault), handle: handle}
		if present[o.area][handle] && !claimed[o] {
			return o, true
		}
	}
	return object{}, false
}
