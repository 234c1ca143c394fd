package davfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/synthlace/gofile-dav/internal/gofile"
	"github.com/synthlace/gofile-dav/internal/metrics"
)

// fileInfo is the os.FileInfo view of a remote entry.
type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func newFileInfo(c gofile.Contents) fileInfo {
	fi := fileInfo{
		name:    c.Name(),
		size:    c.Size(),
		mode:    0o644,
		modTime: c.ModTime(),
	}
	if c.IsDir() {
		fi.isDir = true
		fi.mode = fs.ModeDir | 0o755
	}
	return fi
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return fi.isDir }
func (fi fileInfo) Sys() any           { return nil }

// readFile streams a remote file. The download starts lazily on the
// first Read so that PROPFIND-style opens never touch the content
// endpoint, and restarts after a Seek to a new position.
type readFile struct {
	ctx    context.Context
	fsys   *FS
	file   *gofile.File
	pos    int64
	stream io.ReadCloser
}

func newReadFile(ctx context.Context, fsys *FS, file *gofile.File) *readFile {
	return &readFile{ctx: ctx, fsys: fsys, file: file}
}

func (r *readFile) Read(p []byte) (int, error) {
	if r.pos >= r.file.Size {
		return 0, io.EOF
	}
	if r.stream == nil {
		stream, err := r.fsys.remote.Download(r.ctx, r.file.Link, r.pos, r.file.Bypassed)
		if err != nil {
			return 0, pathErr("read", r.file.Name, err)
		}
		r.stream = stream
	}
	n, err := r.stream.Read(p)
	r.pos += int64(n)
	metrics.AddBytesDownloaded(int64(n))
	return n, err
}

func (r *readFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.file.Size + offset
	default:
		return 0, fs.ErrInvalid
	}
	if pos < 0 || pos > r.file.Size {
		return 0, errors.New("seek position out of bounds")
	}
	if pos != r.pos && r.stream != nil {
		// The open stream continues from the old position; drop it and
		// let the next Read request a fresh range.
		r.stream.Close()
		r.stream = nil
	}
	r.pos = pos
	return pos, nil
}

func (r *readFile) Close() error {
	if r.stream != nil {
		err := r.stream.Close()
		r.stream = nil
		return err
	}
	return nil
}

func (r *readFile) Write(p []byte) (int, error) {
	return 0, pathErr("write", r.file.Name, fs.ErrPermission)
}

func (r *readFile) Readdir(count int) ([]os.FileInfo, error) {
	return nil, pathErr("readdir", r.file.Name, errNotDir)
}

func (r *readFile) Stat() (os.FileInfo, error) {
	return newFileInfo(gofile.Contents{File: r.file}), nil
}

// dirFile is an opened folder. It serves the listing that was current
// at open time.
type dirFile struct {
	folder  *gofile.Folder
	entries []os.FileInfo
	offset  int
}

func newDirFile(folder *gofile.Folder) *dirFile {
	var entries []os.FileInfo
	for _, child := range folder.Children {
		if hidden(child) {
			continue
		}
		entries = append(entries, newFileInfo(child))
	}
	return &dirFile{folder: folder, entries: entries}
}

func (d *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	if count <= 0 {
		entries := d.entries[d.offset:]
		d.offset = len(d.entries)
		return entries, nil
	}
	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.offset + count
	if end > len(d.entries) {
		end = len(d.entries)
	}
	entries := d.entries[d.offset:end]
	d.offset = end
	return entries, nil
}

func (d *dirFile) Stat() (os.FileInfo, error) {
	return newFileInfo(gofile.Contents{Folder: d.folder}), nil
}

func (d *dirFile) Close() error { return nil }

func (d *dirFile) Read(p []byte) (int, error) {
	return 0, pathErr("read", d.folder.Name, errNotFile)
}

func (d *dirFile) Write(p []byte) (int, error) {
	return 0, pathErr("write", d.folder.Name, errNotFile)
}

func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	return 0, pathErr("seek", d.folder.Name, errNotFile)
}

type uploadResult struct {
	file *gofile.UploadedFile
	err  error
}

// writeFile streams an upload. The upload request starts lazily on the
// first Write; bytes flow through a pipe into the multipart body, so
// nothing is buffered locally. Close finishes the upload and then
// deletes any other file with the same name in the parent, which gives
// PUT-over-existing replace semantics.
type writeFile struct {
	ctx      context.Context
	fsys     *FS
	parentID string
	name     string

	pw      *io.PipeWriter
	done    chan uploadResult
	written int64
}

func newWriteFile(ctx context.Context, fsys *FS, parentID, name string) *writeFile {
	return &writeFile{ctx: ctx, fsys: fsys, parentID: parentID, name: name}
}

func (w *writeFile) Write(p []byte) (int, error) {
	if w.pw == nil {
		pr, pw := io.Pipe()
		w.pw = pw
		w.done = make(chan uploadResult, 1)
		go func() {
			uploaded, err := w.fsys.remote.UploadFile(w.ctx, w.parentID, w.name, pr)
			// Unblock a writer stuck on a failed upload.
			pr.CloseWithError(err)
			w.done <- uploadResult{file: uploaded, err: err}
		}()
	}
	n, err := w.pw.Write(p)
	w.written += int64(n)
	metrics.AddBytesUploaded(int64(n))
	return n, err
}

func (w *writeFile) Close() error {
	var res uploadResult
	if w.pw != nil {
		w.pw.Close()
		res = <-w.done
	} else {
		// Never written to: an empty PUT still creates an empty file.
		file, err := w.fsys.remote.UploadFile(w.ctx, w.parentID, w.name, strings.NewReader(""))
		res = uploadResult{file: file, err: err}
	}
	if res.err != nil {
		metrics.RecordUpload(false)
		return pathErr("close", w.name, res.err)
	}
	metrics.RecordUpload(true)

	if err := w.replaceStale(res.file.ID); err != nil {
		// The upload itself succeeded; the cached listing no longer
		// matches the remote folder even though the sweep failed.
		w.fsys.cache.Invalidate(w.parentID)
		return pathErr("close", w.name, err)
	}
	w.fsys.cache.Invalidate(w.parentID)
	w.fsys.log.Info("uploaded file",
		zap.String("name", w.name), zap.String("id", res.file.ID), zap.Int64("bytes", w.written))
	return nil
}

// replaceStale deletes previously existing files that share the
// uploaded file's name, so the new upload is the single entry under
// that name.
func (w *writeFile) replaceStale(uploadedID string) error {
	parent, err := w.fsys.cache.Resolve(w.ctx, w.parentID)
	if err != nil {
		return err
	}
	var stale []string
	for _, child := range parent.Children {
		if child.File != nil && child.Name() == w.name && child.ID() != uploadedID {
			stale = append(stale, child.ID())
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return w.fsys.remote.DeleteContents(w.ctx, stale...)
}

func (w *writeFile) Read(p []byte) (int, error) {
	return 0, pathErr("read", w.name, fs.ErrPermission)
}

func (w *writeFile) Seek(offset int64, whence int) (int64, error) {
	return 0, pathErr("seek", w.name, fs.ErrPermission)
}

func (w *writeFile) Readdir(count int) ([]os.FileInfo, error) {
	return nil, pathErr("readdir", w.name, errNotDir)
}

// Stat reports the entry as it exists remotely, or a zero-size
// placeholder while the upload has not finished.
func (w *writeFile) Stat() (os.FileInfo, error) {
	parent, err := w.fsys.cache.Resolve(w.ctx, w.parentID)
	if err == nil {
		if child, ok := findChild(parent, w.name); ok {
			return newFileInfo(child), nil
		}
	}
	return fileInfo{name: w.name, size: w.written, mode: 0o644, modTime: time.Now()}, nil
}
