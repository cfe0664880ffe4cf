package ops

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/storage"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

const (
	// displacedSlots is the number of displaced directories tried:
	// "displaced", then "displaced (1)" up to "displaced (4)".
	displacedSlots = 5
	displacedName  = "displaced"

	// numberedNames is how many " (n)" suffixes are tried before falling
	// back to a random one.
	numberedNames = 9

	randomNameTries = 16
)

// AddResult reports where an uploaded file ended up.
type AddResult struct {
	Path vfs.Path
	// Renamed is set when the file was numbered, randomized or displaced,
	// so Path differs from the requested path.
	Renamed bool
}

// AddFile stores body and attaches it to the tree at dst. Missing
// intermediate directories are created. If the name is taken the file is
// renamed, and AddResult reports the corrected path.
func (e *Engine) AddFile(ctx context.Context, body io.Reader, dst vfs.Path) (res AddResult, err error) {
	start := time.Now()
	defer func() { observe("add_file", start, err) }()

	if _, _, ok := dst.Split(); !ok {
		return AddResult{}, fmt.Errorf("%w: %s names a vault", ErrInvalidPath, dst)
	}
	if !e.reg.VaultExists(dst.Vault()) {
		return AddResult{}, ErrVaultGone
	}

	staged, err := e.allocate(ctx, storage.StagingArea)
	if err != nil {
		return AddResult{}, err
	}
	size, err := e.store.Put(ctx, storage.StagingArea, staged, body)
	if err != nil {
		e.discard(ctx, storage.StagingArea, staged)
		logging.WithContext(ctx).Warn("staging write failed", logging.Op(OpCreate),
			logging.Vault(dst.Vault()), logging.Path(string(dst)), zap.Error(err))
		return AddResult{}, fmt.Errorf("%w: stage upload: %w", ErrIO, err)
	}
	metrics.RecordUpload(size)

	// Past this point the upload is complete; a client disconnect must not
	// abandon the relocation halfway.
	return e.attach(context.WithoutCancel(ctx), staged, dst)
}

// attach moves a staged object into its vault and links it into the tree.
func (e *Engine) attach(ctx context.Context, staged string, dst vfs.Path) (AddResult, error) {
	log := logging.WithContext(ctx).With(logging.Op(OpCreate))
	vault := dst.Vault()
	parent, name, _ := dst.Split()
	area := storage.VaultArea(vault)

	// Plan the target directory first so a path that cannot be honoured
	// fails before any object is moved.
	var (
		dirPath   vfs.Path
		displaced bool
	)
	err := e.reg.Update(func(t *vfs.Tree) error {
		var err error
		_, dirPath, displaced, err = e.resolveTarget(t, parent)
		return err
	})
	if err != nil {
		e.discard(ctx, storage.StagingArea, staged)
		return AddResult{}, err
	}

	handle, err := e.allocate(ctx, area)
	if err != nil {
		e.discard(ctx, storage.StagingArea, staged)
		return AddResult{}, err
	}
	if err := e.store.Move(ctx, storage.StagingArea, staged, area, handle); err != nil {
		e.discard(ctx, storage.StagingArea, staged)
		e.discard(ctx, area, handle)
		log.Error("relocating staged upload failed",
			logging.Vault(vault), logging.Handle(handle), zap.Error(err))
		return AddResult{}, fmt.Errorf("%w: relocate upload: %v", ErrIO, err)
	}
	info, err := e.store.Stat(ctx, area, handle)
	if err != nil {
		e.discard(ctx, area, handle)
		log.Error("stat of relocated upload failed",
			logging.Vault(vault), logging.Handle(handle), zap.Error(err))
		return AddResult{}, fmt.Errorf("%w: stat upload: %v", ErrIO, err)
	}
	modTime := info.ModTime
	if modTime.IsZero() {
		modTime = e.now()
	}

	var (
		final  vfs.Path
		reason string
	)
	err = e.reg.Update(func(t *vfs.Tree) error {
		// The tree may have changed while the object was moving.
		dir, resolved, moreDisplaced, err := e.resolveTarget(t, dirPath)
		if err != nil {
			return err
		}
		finalName, how, err := uniqueName(dir, name)
		if err != nil {
			return err
		}
		dir.AddEntry(vfs.NewFile(finalName, info.Size, modTime, handle), e.now())
		final = resolved.Join(finalName)
		reason = how
		if displaced || moreDisplaced {
			reason = "displaced"
		}
		return nil
	})
	if err != nil {
		e.discard(ctx, area, handle)
		return AddResult{}, err
	}

	renamed := reason != ""
	if renamed {
		metrics.RecordRenamedUpload(reason)
		log.Info("upload renamed",
			logging.Vault(vault), logging.Path(string(dst)),
			zap.String("final", string(final)), zap.String("reason", reason))
	}
	log.Debug("file added", logging.Vault(vault), logging.Path(string(final)), logging.Handle(handle))
	e.notify(Change{Op: OpCreate, Vault: vault, Path: string(final)})
	return AddResult{Path: final, Renamed: renamed}, nil
}

// resolveTarget walks dirPath from the vault root, creating missing
// directories. When a segment is blocked by a file, the walk continues in
// a displaced directory of the deepest directory reached, where the
// blocked segment is recreated as a directory. It returns the directory,
// its actual path and whether any displacement happened.
func (e *Engine) resolveTarget(t *vfs.Tree, dirPath vfs.Path) (*vfs.Directory, vfs.Path, bool, error) {
	segments := dirPath.Segments()
	root := t.Vault(segments[0])
	if root == nil {
		return nil, "", false, ErrVaultGone
	}

	dir, at := root, vfs.Path(segments[0])
	displaced := false
	for i := 1; i < len(segments); {
		seg := segments[i]
		switch child := dir.GetAny(seg).(type) {
		case *vfs.Directory:
			dir, at = child, at.Join(seg)
			i++
		case nil:
			now := e.now()
			created := vfs.NewDirectory(seg, now)
			dir.AddEntry(created, now)
			dir, at = created, at.Join(seg)
			i++
		case *vfs.File:
			slot, slotName, err := e.displacedSlot(dir, seg)
			if err != nil {
				return nil, "", false, err
			}
			// seg is retried inside the slot, where it is known not to be
			// a file.
			dir, at = slot, at.Join(slotName)
			displaced = true
		}
	}
	return dir, at, displaced, nil
}

// displacedSlot finds or creates a displaced directory in dir whose entry
// seg is not a file.
func (e *Engine) displacedSlot(dir *vfs.Directory, seg string) (*vfs.Directory, string, error) {
	for i := 0; i < displacedSlots; i++ {
		name := displacedName
		if i > 0 {
			name = fmt.Sprintf("%s (%d)", displacedName, i)
		}
		switch slot := dir.GetAny(name).(type) {
		case nil:
			now := e.now()
			created := vfs.NewDirectory(name, now)
			dir.AddEntry(created, now)
			return created, name, nil
		case *vfs.Directory:
			if slot.GetFile(seg) == nil {
				return slot, name, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: no displaced directory left for %q", ErrConflict, seg)
}

// uniqueName returns a name not used in dir, derived from name. how is
// empty when name itself was free.
func uniqueName(dir *vfs.Directory, name string) (string, string, error) {
	if dir.GetAny(name) == nil {
		return name, "", nil
	}
	stem, ext := splitExt(name)
	for i := 1; i <= numberedNames; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if dir.GetAny(candidate) == nil {
			return candidate, "numbered", nil
		}
	}
	for i := 0; i < randomNameTries; i++ {
		suffix, err := randomHex(3)
		if err != nil {
			break
		}
		candidate := fmt.Sprintf("%s (%s)%s", stem, suffix, ext)
		if dir.GetAny(candidate) == nil {
			return candidate, "random", nil
		}
	}
	return "", "", fmt.Errorf("%w: no free name for %q", ErrConflict, name)
}

// splitExt splits at the last dot. A leading dot is part of the stem.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
