// Package sftp serves the read-only SFTP subsystem over the virtual
// filesystem: namespaces, pods and containers as directories, then
// ls/cat inside the container. Write-class operations are refused
// with SSH_FX_OP_UNSUPPORTED.
package sftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/kty-dev/kty/internal/metrics"
	"github.com/kty-dev/kty/internal/resources"
)

// FileSystem is the read-only view the handlers translate requests
// onto. *resources.Browser satisfies it.
type FileSystem interface {
	List(ctx context.Context, p resources.Path) ([]*resources.Entry, error)
	Stat(ctx context.Context, p resources.Path) (*resources.Entry, error)
	Read(ctx context.Context, p resources.Path) ([]byte, error)
}

// Serve runs one SFTP session on channel until the client closes it
// or ctx is cancelled.
func Serve(ctx context.Context, fsys FileSystem, channel io.ReadWriteCloser, log *slog.Logger) error {
	metrics.SftpActiveSessions.Inc()
	defer metrics.SftpActiveSessions.Dec()

	if log == nil {
		log = slog.Default().With("component", "sftp")
	}

	h := &handlers{fsys: fsys}
	server := sftp.NewRequestServer(channel, sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	})

	stop := context.AfterFunc(ctx, func() { server.Close() })
	defer stop()

	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.Error("sftp session", "error", err)
		return err
	}

	return nil
}

type handlers struct {
	fsys FileSystem
}

// Fileread serves the read side of open/read/close. The whole file
// is fetched once; the protocol layer then slices it, so a 0-byte
// file yields an empty read with success.
func (h *handlers) Fileread(req *sftp.Request) (io.ReaderAt, error) {
	data, err := h.fsys.Read(req.Context(), resources.ParsePath(req.Filepath))
	if err != nil {
		return nil, translate(err)
	}

	metrics.SftpFiles.WithLabelValues(metrics.DirectionSent).Inc()
	metrics.SftpBytes.WithLabelValues(metrics.DirectionSent).Add(float64(len(data)))

	return bytes.NewReader(data), nil
}

// Filewrite refuses all uploads; the filesystem is read-only.
func (h *handlers) Filewrite(*sftp.Request) (io.WriterAt, error) {
	return nil, sftp.ErrSSHFxOpUnsupported
}

// Filecmd refuses rename, remove, mkdir, setstat and friends.
func (h *handlers) Filecmd(*sftp.Request) error {
	return sftp.ErrSSHFxOpUnsupported
}

// Filelist serves List, Stat and Lstat. Each call returns a complete
// lister; the protocol layer terminates the stream with EOF on the
// following read.
func (h *handlers) Filelist(req *sftp.Request) (sftp.ListerAt, error) {
	p := resources.ParsePath(req.Filepath)

	switch req.Method {
	case "List":
		metrics.SftpList.Inc()

		entries, err := h.fsys.List(req.Context(), p)
		if err != nil {
			return nil, translate(err)
		}

		infos := make([]os.FileInfo, 0, len(entries))
		for _, entry := range entries {
			infos = append(infos, fileInfo{entry: entry})
		}
		return listerAt(infos), nil

	case "Stat", "Lstat":
		metrics.SftpStat.Inc()

		entry, err := h.fsys.Stat(req.Context(), p)
		if err != nil {
			return nil, translate(err)
		}
		return listerAt{fileInfo{entry: entry}}, nil
	}

	return nil, sftp.ErrSSHFxOpUnsupported
}

func translate(err error) error {
	if errors.Is(err, resources.ErrNoSuchFile) {
		return sftp.ErrSSHFxNoSuchFile
	}
	return err
}

// fileInfo adapts a resources.Entry to os.FileInfo. Name is the
// basename; the full path is surfaced through the entry itself.
type fileInfo struct {
	entry *resources.Entry
}

func (f fileInfo) Name() string       { return f.entry.Name }
func (f fileInfo) Size() int64        { return f.entry.Size }
func (f fileInfo) Mode() fs.FileMode  { return f.entry.FileMode() }
func (f fileInfo) ModTime() time.Time { return f.entry.ModTime }
func (f fileInfo) IsDir() bool        { return f.entry.IsDir() }
func (f fileInfo) Sys() any           { return nil }

type listerAt []os.FileInfo

func (l listerAt) ListAt(infos []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}

	n := copy(infos, l[offset:])
	if n < len(infos) {
		return n, io.EOF
	}
	return n, nil
}
