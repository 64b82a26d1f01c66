package resources

import (
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"
)

// FileType classifies a filesystem entry, derived from the first
// character of the ls mode string.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDir
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeSocket
)

// Entry is one filesystem object, either synthesized from a cluster
// object (namespace, pod, container) or parsed from ls output.
type Entry struct {
	// Name is the basename; Path is the full path used as the SFTP
	// longname.
	Name string
	Path string

	Type    FileType
	Mode    fs.FileMode
	Owner   string
	Group   string
	Size    int64
	ModTime time.Time
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Type == TypeDir }

// FileMode folds the type bit into the permission bits.
func (e *Entry) FileMode() fs.FileMode {
	mode := e.Mode
	switch e.Type {
	case TypeDir:
		mode |= fs.ModeDir
	case TypeSymlink:
		mode |= fs.ModeSymlink
	case TypeCharDevice:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDevice:
		mode |= fs.ModeDevice
	case TypeSocket:
		mode |= fs.ModeSocket
	}
	return mode
}

// dirEntry synthesizes a directory for the cluster-object levels.
func dirEntry(parent, name string, modTime time.Time) *Entry {
	return &Entry{
		Name:    name,
		Path:    path.Join(parent, name),
		Type:    TypeDir,
		Mode:    0o555,
		Owner:   "root",
		Group:   "root",
		ModTime: modTime,
	}
}

// ParseLong parses one line of `ls -l --time-style=+%s` output.
// Field order is mode, links, user, group, size, mtime, name. An
// absolute name (the stat -d case) is used as-is; a relative name
// (the readdir case) is joined onto parent. Symlink targets after
// " -> " are dropped.
func ParseLong(line, parent string) (*Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return nil, fmt.Errorf("short ls line %q", line)
	}

	typ, err := fileType(fields[0])
	if err != nil {
		return nil, err
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("size in %q: %w", line, err)
	}

	mtime, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("mtime in %q: %w", line, err)
	}

	name := strings.Join(fields[6:], " ")
	if i := strings.Index(name, " -> "); i >= 0 {
		name = name[:i]
	}

	full := name
	if strings.HasPrefix(name, "/") {
		name = path.Base(name)
	} else {
		full = path.Join(parent, name)
	}

	return &Entry{
		Name:    name,
		Path:    full,
		Type:    typ,
		Mode:    parseMode(fields[0]),
		Owner:   fields[2],
		Group:   fields[3],
		Size:    size,
		ModTime: time.Unix(mtime, 0),
	}, nil
}

func fileType(mode string) (FileType, error) {
	switch mode[0] {
	case 'd':
		return TypeDir, nil
	case 'l':
		return TypeSymlink, nil
	case 'c':
		return TypeCharDevice, nil
	case 'b':
		return TypeBlockDevice, nil
	case 's':
		return TypeSocket, nil
	case '-':
		return TypeRegular, nil
	}
	return TypeRegular, fmt.Errorf("unknown file type %q", mode[0])
}

// parseMode reads the nine permission characters. Trailing ACL or
// SELinux markers (+, .) are ignored.
func parseMode(mode string) fs.FileMode {
	var out fs.FileMode
	for i, c := range mode[1:] {
		if i >= 9 {
			break
		}
		// S and T are setuid/sticky without the execute bit.
		if c != '-' && c != 'S' && c != 'T' {
			out |= 1 << (8 - i)
		}
	}
	return out
}
