// Package davfs adapts a GoFile folder tree to the webdav.FileSystem
// interface, backed by the directory cache for listings and by the API
// client for content and mutations.
package davfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/synthlace/gofile-dav/internal/dircache"
	"github.com/synthlace/gofile-dav/internal/gofile"
)

// Remote is the slice of the GoFile client the filesystem needs.
type Remote interface {
	GetContents(ctx context.Context, id string) (gofile.Contents, error)
	CreateFolder(ctx context.Context, parentID, name string) (*gofile.Folder, error)
	UploadFile(ctx context.Context, parentID, name string, content io.Reader) (*gofile.UploadedFile, error)
	UpdateName(ctx context.Context, id, name string) error
	MoveContents(ctx context.Context, destFolderID string, ids ...string) error
	DeleteContents(ctx context.Context, ids ...string) error
	Download(ctx context.Context, link string, offset int64, bypassed bool) (io.ReadCloser, error)
}

// FS exposes the folder tree rooted at rootID as a webdav.FileSystem.
// In read-only mode every mutating operation fails with a permission
// error.
type FS struct {
	remote   Remote
	cache    *dircache.Cache
	log      *zap.Logger
	rootID   string
	writable bool
}

// New creates an FS rooted at rootID, a folder UUID or short code.
func New(remote Remote, cache *dircache.Cache, rootID string, writable bool, log *zap.Logger) *FS {
	if log == nil {
		log = zap.NewNop()
	}
	return &FS{
		remote:   remote,
		cache:    cache,
		log:      log,
		rootID:   rootID,
		writable: writable,
	}
}

var _ webdav.FileSystem = (*FS)(nil)

// splitPath cleans a WebDAV path into its segments. The root is the
// empty slice.
func splitPath(name string) ([]string, error) {
	cleaned := path.Clean("/" + name)
	if cleaned == "/" {
		return nil, nil
	}
	segments := strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
	for _, segment := range segments {
		if segment == ".." {
			return nil, fs.ErrInvalid
		}
	}
	return segments, nil
}

// hidden reports whether a child entry is withheld from the filesystem.
// Files that cannot be read are not listed at all, rather than listed
// and failing on open.
func hidden(c gofile.Contents) bool {
	return c.File != nil && (!c.File.CanAccess || c.File.IsFrozen)
}

// findChild returns the first visible child of folder with the given
// name. Remote folders can hold several entries with the same name; the
// listing order decides which one a path refers to.
func findChild(folder *gofile.Folder, name string) (gofile.Contents, bool) {
	for _, child := range folder.Children {
		if hidden(child) {
			continue
		}
		if child.Name() == name {
			return child, true
		}
	}
	return gofile.Contents{}, false
}

// resolve walks name segment by segment from the root and returns the
// entry it ends at. Folder entries are returned with their full
// listing.
func (f *FS) resolve(ctx context.Context, name string) (gofile.Contents, error) {
	segments, err := splitPath(name)
	if err != nil {
		return gofile.Contents{}, err
	}

	folder, err := f.cache.Resolve(ctx, f.rootID)
	if err != nil {
		return gofile.Contents{}, err
	}
	if len(segments) == 0 {
		return gofile.Contents{Folder: folder}, nil
	}

	for i, segment := range segments {
		child, ok := findChild(folder, segment)
		if !ok {
			return gofile.Contents{}, fs.ErrNotExist
		}
		last := i == len(segments)-1
		if child.File != nil {
			if !last {
				return gofile.Contents{}, fs.ErrNotExist
			}
			return child, nil
		}
		// The listing's folder stubs carry no children; resolve through
		// the cache for the full entry.
		folder, err = f.cache.Resolve(ctx, child.Folder.ID)
		if err != nil {
			return gofile.Contents{}, err
		}
	}
	return gofile.Contents{Folder: folder}, nil
}

// resolveFolder resolves name and requires the result to be a folder.
func (f *FS) resolveFolder(ctx context.Context, name string) (*gofile.Folder, error) {
	contents, err := f.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if contents.Folder == nil {
		return nil, errNotDir
	}
	return contents.Folder, nil
}

var errNotDir = errors.New("not a directory")

// pathErr wraps err into an *fs.PathError carrying the exact io/fs
// sentinel for its class, which is what the WebDAV handler's status
// mapping checks with os.IsNotExist and friends.
func pathErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = fs.ErrNotExist
	case errors.Is(err, fs.ErrPermission):
		err = fs.ErrPermission
	case errors.Is(err, fs.ErrExist):
		err = fs.ErrExist
	case errors.Is(err, fs.ErrInvalid):
		err = fs.ErrInvalid
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// Stat implements webdav.FileSystem.
func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	contents, err := f.resolve(ctx, name)
	if err != nil {
		return nil, pathErr("stat", name, err)
	}
	return newFileInfo(contents), nil
}

// Mkdir implements webdav.FileSystem.
func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if !f.writable {
		return pathErr("mkdir", name, fs.ErrPermission)
	}
	dir, base := path.Split(path.Clean("/" + name))
	if base == "" || base == "/" {
		return pathErr("mkdir", name, fs.ErrExist)
	}

	parent, err := f.resolveFolder(ctx, dir)
	if err != nil {
		return pathErr("mkdir", name, err)
	}
	if _, ok := findChild(parent, base); ok {
		return pathErr("mkdir", name, fs.ErrExist)
	}

	if _, err := f.remote.CreateFolder(ctx, parent.ID, base); err != nil {
		return pathErr("mkdir", name, err)
	}
	f.cache.Invalidate(parent.ID)
	f.log.Info("created folder", zap.String("path", name), zap.String("parent", parent.ID))
	return nil
}

// OpenFile implements webdav.FileSystem. Read handles stream the
// remote content lazily; write handles buffer nothing and stream
// straight to the upload endpoint.
func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		if !f.writable {
			return nil, pathErr("open", name, fs.ErrPermission)
		}
		if flag&os.O_APPEND != 0 {
			return nil, pathErr("open", name, errors.New("append mode not supported"))
		}
		return f.openWrite(ctx, name)
	}

	contents, err := f.resolve(ctx, name)
	if err != nil {
		return nil, pathErr("open", name, err)
	}
	if contents.Folder != nil {
		return newDirFile(contents.Folder), nil
	}
	return newReadFile(ctx, f, contents.File), nil
}

func (f *FS) openWrite(ctx context.Context, name string) (webdav.File, error) {
	dir, base := path.Split(path.Clean("/" + name))
	if base == "" || base == "/" {
		return nil, pathErr("open", name, fs.ErrInvalid)
	}
	parent, err := f.resolveFolder(ctx, dir)
	if err != nil {
		return nil, pathErr("open", name, err)
	}
	if existing, ok := findChild(parent, base); ok && existing.IsDir() {
		return nil, pathErr("open", name, errNotFile)
	}
	return newWriteFile(ctx, f, parent.ID, base), nil
}

var errNotFile = errors.New("is a directory")

// RemoveAll implements webdav.FileSystem. Folders are deleted with
// their whole subtree, matching the remote delete semantics.
func (f *FS) RemoveAll(ctx context.Context, name string) error {
	if !f.writable {
		return pathErr("remove", name, fs.ErrPermission)
	}
	segments, err := splitPath(name)
	if err != nil {
		return pathErr("remove", name, err)
	}
	if len(segments) == 0 {
		return pathErr("remove", name, fs.ErrPermission)
	}

	contents, err := f.resolve(ctx, name)
	if err != nil {
		return pathErr("remove", name, err)
	}
	if err := f.remote.DeleteContents(ctx, contents.ID()); err != nil {
		return pathErr("remove", name, err)
	}
	if parentID := contents.ParentID(); parentID != "" {
		f.cache.Invalidate(parentID)
	}
	if contents.IsDir() {
		f.cache.Invalidate(contents.ID())
	}
	f.log.Info("removed entry", zap.String("path", name), zap.String("id", contents.ID()))
	return nil
}

// Rename implements webdav.FileSystem. A rename within one folder is a
// name update; a rename across folders is a move, plus a name update
// when the base name changes too. An existing file at the destination
// is replaced, an existing folder is never replaced.
func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	if !f.writable {
		return pathErr("rename", oldName, fs.ErrPermission)
	}
	oldPath := path.Clean("/" + oldName)
	newPath := path.Clean("/" + newName)
	if strings.HasPrefix(newPath, oldPath+"/") {
		// Moving an entry beneath itself would orphan the whole subtree.
		return pathErr("rename", newName, fs.ErrInvalid)
	}
	oldDir, oldBase := path.Split(oldPath)
	newDir, newBase := path.Split(newPath)
	if oldBase == "" || newBase == "" {
		return pathErr("rename", oldName, fs.ErrInvalid)
	}

	oldParent, err := f.resolveFolder(ctx, oldDir)
	if err != nil {
		return pathErr("rename", oldName, err)
	}
	src, ok := findChild(oldParent, oldBase)
	if !ok {
		return pathErr("rename", oldName, fs.ErrNotExist)
	}

	newParent := oldParent
	sameParent := path.Clean(oldDir) == path.Clean(newDir)
	if !sameParent {
		if newParent, err = f.resolveFolder(ctx, newDir); err != nil {
			return pathErr("rename", newName, err)
		}
	}

	var deleteIDs []string
	if dst, ok := findChild(newParent, newBase); ok {
		switch {
		case src.IsDir() || dst.IsDir():
			return pathErr("rename", newName, fs.ErrExist)
		case dst.ID() == src.ID():
			// Renaming an entry onto itself.
		default:
			deleteIDs = append(deleteIDs, dst.ID())
		}
	}

	if !sameParent {
		if err := f.remote.MoveContents(ctx, newParent.ID, src.ID()); err != nil {
			return pathErr("rename", oldName, err)
		}
	}
	if oldBase != newBase {
		if err := f.remote.UpdateName(ctx, src.ID(), newBase); err != nil {
			return pathErr("rename", oldName, err)
		}
	}
	if len(deleteIDs) > 0 {
		if err := f.remote.DeleteContents(ctx, deleteIDs...); err != nil {
			return pathErr("rename", newName, err)
		}
	}

	f.cache.Invalidate(oldParent.ID)
	f.cache.Invalidate(newParent.ID)
	if src.IsDir() {
		f.cache.Invalidate(src.ID())
	}
	f.log.Info("renamed entry",
		zap.String("from", oldName), zap.String("to", newName), zap.String("id", src.ID()))
	return nil
}
