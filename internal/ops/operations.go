package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/storage"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

// AddFolder creates an empty directory at p. The parent must already
// exist.
func (e *Engine) AddFolder(ctx context.Context, p vfs.Path) (err error) {
	start := time.Now()
	defer func() { observe("add_folder", start, err) }()

	parent, name, ok := p.Split()
	if !ok {
		return fmt.Errorf("%w: %s names a vault", ErrInvalidPath, p)
	}
	err = e.reg.Update(func(t *vfs.Tree) error {
		dir := t.GetDirectoryAt(parent)
		if dir == nil {
			return fmt.Errorf("%w: parent of %s", ErrInvalidPath, p)
		}
		if dir.GetAny(name) != nil {
			return fmt.Errorf("%w: %s exists", ErrConflict, p)
		}
		now := e.now()
		dir.AddEntry(vfs.NewDirectory(name, now), now)
		return nil
	})
	if err != nil {
		return err
	}

	logging.WithContext(ctx).Debug("folder added", logging.Vault(p.Vault()), logging.Path(string(p)))
	e.notify(Change{Op: OpMkdir, Vault: p.Vault(), Path: string(p)})
	return nil
}

// DeleteItem removes the entry at p from the tree at once. The stored
// objects of every file under it are deleted after the grace delay.
func (e *Engine) DeleteItem(ctx context.Context, p vfs.Path) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	parent, name, ok := p.Split()
	if !ok {
		return fmt.Errorf("%w: %s names a vault", ErrInvalidPath, p)
	}
	var objects []object
	err = e.reg.Update(func(t *vfs.Tree) error {
		dir := t.GetDirectoryAt(parent)
		if dir == nil {
			return fmt.Errorf("%w: parent of %s", ErrInvalidPath, p)
		}
		item := dir.GetAny(name)
		if item == nil {
			return fmt.Errorf("%w: %s not found", ErrInvalidPath, p)
		}
		dir.RemoveEntry(item, e.now())
		objects = e.release(p.Vault(), item)
		return nil
	})
	if err != nil {
		return err
	}

	e.scheduleDelete(p.Vault(), objects)
	logging.WithContext(ctx).Debug("item deleted",
		logging.Vault(p.Vault()), logging.Path(string(p)), zap.Int("objects", len(objects)))
	e.notify(Change{Op: OpDelete, Vault: p.Vault(), Path: string(p)})
	return nil
}

// checkTransfer validates a move or copy pair and returns the source node
// and the destination directory.
func checkTransfer(t *vfs.Tree, src, dst vfs.Path) (vfs.Node, *vfs.Directory, *vfs.Directory, error) {
	srcParent, srcName, ok := src.Split()
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s names a vault", ErrInvalidPath, src)
	}
	from := t.GetDirectoryAt(srcParent)
	if from == nil {
		return nil, nil, nil, fmt.Errorf("%w: parent of %s", ErrInvalidPath, src)
	}
	node := from.GetAny(srcName)
	if node == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s not found", ErrInvalidPath, src)
	}
	to, err := checkDestination(t, dst)
	if err != nil {
		return nil, nil, nil, err
	}
	return node, from, to, nil
}

// checkDestination returns the directory dst would be created in, failing
// if it does not resolve or dst is taken.
func checkDestination(t *vfs.Tree, dst vfs.Path) (*vfs.Directory, error) {
	parent, name, ok := dst.Split()
	if !ok {
		return nil, fmt.Errorf("%w: %s names a vault", ErrInvalidPath, dst)
	}
	to := t.GetDirectoryAt(parent)
	if to == nil {
		return nil, fmt.Errorf("%w: parent of %s", ErrInvalidPath, dst)
	}
	if to.GetAny(name) != nil {
		return nil, fmt.Errorf("%w: %s exists", ErrConflict, dst)
	}
	return to, nil
}

func wrapIO(err error, what string) error {
	if errors.Is(err, ErrIO) || errors.Is(err, ErrStagingExhausted) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, what, err)
}

func (e *Engine) discardAll(ctx context.Context, area string, names []string) {
	for _, name := range names {
		e.discard(ctx, area, name)
	}
}

type relocation struct {
	file *vfs.File
	from object
}

// MoveItem moves the entry at src to dst. The node itself is reparented
// and renamed, so holders of it see it move rather than be replaced.
//
// Moving between vaults relocates every stored object into the
// destination vault. That step is best effort: a failure is logged
// against both vaults and reported as ErrIO, but the tree move stands and
// the file keeps reading from the object left in its old area.
func (e *Engine) MoveItem(ctx context.Context, src, dst vfs.Path) (err error) {
	start := time.Now()
	defer func() { observe("move", start, err) }()

	if dst.Within(src) {
		return fmt.Errorf("%w: cannot move %s into itself", ErrConflict, src)
	}

	var pending []relocation
	crossVault := src.Vault() != dst.Vault()
	err = e.reg.Update(func(t *vfs.Tree) error {
		node, from, to, err := checkTransfer(t, src, dst)
		if err != nil {
			return err
		}
		now := e.now()
		from.RemoveEntry(node, now)
		vfs.Rename(node, dst.Base())
		to.AddEntry(node, now)

		if crossVault {
			for _, f := range vfs.Files(node) {
				if f.StorageHandle() == "" {
					continue
				}
				area := e.areaOf(f, src.Vault())
				e.strand(f, dst.Vault(), area)
				if area != storage.VaultArea(dst.Vault()) {
					pending = append(pending, relocation{file: f, from: object{area: area, handle: f.StorageHandle()}})
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := logging.WithContext(ctx).With(logging.Op(OpMove))
	e.notify(Change{
		Op: OpMove, Vault: dst.Vault(), Path: string(dst),
		SourceVault: src.Vault(), Source: string(src),
	})
	if len(pending) == 0 {
		log.Debug("item moved", logging.Path(string(src)), zap.String("destination", string(dst)))
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	failed := 0
	for _, r := range pending {
		if err := e.relocate(ctx, r.file, dst.Vault(), r.from); err != nil {
			failed++
			for _, vault := range []string{src.Vault(), dst.Vault()} {
				log.Error("relocating moved file failed",
					logging.Vault(vault), zap.String("area", r.from.area), logging.Handle(r.from.handle),
					zap.String("destination", string(dst)), zap.Error(err))
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d files not relocated", ErrIO, failed, len(pending))
	}
	log.Debug("item moved across vaults",
		logging.Path(string(src)), zap.String("destination", string(dst)), zap.Int("objects", len(pending)))
	return nil
}

// relocate moves the object of f, a file now in vault, from its current
// place to a fresh name in the vault's area. On failure f stays stranded
// and keeps reading from the old object.
func (e *Engine) relocate(ctx context.Context, f *vfs.File, vault string, from object) error {
	area := storage.VaultArea(vault)
	handle, err := e.allocate(ctx, area)
	if err != nil {
		return err
	}
	if err := e.store.Move(ctx, from.area, from.handle, area, handle); err != nil {
		e.discard(ctx, area, handle)
		return err
	}
	e.reg.Update(func(*vfs.Tree) error {
		// A file deleted meanwhile still carries its old handle; the new
		// object is then an orphan for Sweep.
		if f.StorageHandle() == from.handle {
			f.SetStorageHandle(handle)
			e.unstrand(f)
		}
		return nil
	})
	return nil
}

// CopyItem copies the entry at src to dst. The clone is attached only once
// every stored object has been duplicated; on failure the copies made so
// far are deleted and nothing is attached.
func (e *Engine) CopyItem(ctx context.Context, src, dst vfs.Path) (err error) {
	start := time.Now()
	defer func() { observe("copy", start, err) }()

	if dst.Within(src) {
		return fmt.Errorf("%w: cannot copy %s into itself", ErrConflict, src)
	}

	var (
		clone vfs.Node
		areas []string
	)
	e.reg.View(func(t *vfs.Tree) {
		var node vfs.Node
		node, _, _, err = checkTransfer(t, src, dst)
		if err != nil {
			return
		}
		clone = node.Clone()
		for _, f := range vfs.Files(node) {
			areas = append(areas, e.areaOf(f, src.Vault()))
		}
	})
	if err != nil {
		return err
	}

	// The clone is private to this call, so its files can be updated
	// without the lock. The originals are protected by the delete grace.
	ctx = context.WithoutCancel(ctx)
	log := logging.WithContext(ctx).With(logging.Op(OpCopy))
	dstArea := storage.VaultArea(dst.Vault())
	var created []string
	// Clone keeps child order, so the clone's files line up with areas.
	for i, f := range vfs.Files(clone) {
		if f.StorageHandle() == "" {
			continue
		}
		handle, err := e.allocate(ctx, dstArea)
		if err == nil {
			created = append(created, handle)
			err = e.store.Copy(ctx, areas[i], f.StorageHandle(), dstArea, handle)
		}
		if err != nil {
			log.Error("copying file failed",
				logging.Vault(src.Vault()), logging.Handle(f.StorageHandle()), zap.Error(err))
			log.Error("copy aborted",
				logging.Vault(dst.Vault()), logging.Path(string(dst)), zap.Int("rolled_back", len(created)))
			e.discardAll(ctx, dstArea, created)
			return wrapIO(err, "copy")
		}
		f.SetStorageHandle(handle)
	}

	err = e.reg.Update(func(t *vfs.Tree) error {
		to, err := checkDestination(t, dst)
		if err != nil {
			return err
		}
		vfs.Rename(clone, dst.Base())
		to.AddEntry(clone, e.now())
		return nil
	})
	if err != nil {
		e.discardAll(ctx, dstArea, created)
		return err
	}

	log.Debug("item copied", logging.Path(string(src)),
		zap.String("destination", string(dst)), zap.Int("objects", len(created)))
	e.notify(Change{
		Op: OpCopy, Vault: dst.Vault(), Path: string(dst),
		SourceVault: src.Vault(), Source: string(src),
	})
	return nil
}
