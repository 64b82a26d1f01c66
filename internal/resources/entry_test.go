package resources

import (
	"testing"
	"time"
)

func TestParseLong(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		parent string
		want   Entry
	}{
		{
			name:   "directory from readdir",
			line:   "drwxr-xr-x 2 root root 4096 1700000000 etc",
			parent: "/",
			want: Entry{
				Name: "etc", Path: "/etc", Type: TypeDir, Mode: 0o755,
				Owner: "root", Group: "root", Size: 4096,
				ModTime: time.Unix(1700000000, 0),
			},
		},
		{
			name:   "absolute name from stat",
			line:   "-rw-r--r-- 1 root root 10 1700000000 /etc/hostname",
			parent: "/etc/hostname",
			want: Entry{
				Name: "hostname", Path: "/etc/hostname", Type: TypeRegular, Mode: 0o644,
				Owner: "root", Group: "root", Size: 10,
				ModTime: time.Unix(1700000000, 0),
			},
		},
		{
			name:   "symlink target dropped",
			line:   "lrwxrwxrwx 1 root root 7 1700000000 bin -> usr/bin",
			parent: "/",
			want: Entry{
				Name: "bin", Path: "/bin", Type: TypeSymlink, Mode: 0o777,
				Owner: "root", Group: "root", Size: 7,
				ModTime: time.Unix(1700000000, 0),
			},
		},
		{
			name:   "name with spaces",
			line:   "-rw-r--r-- 1 app app 42 1700000000 my notes.txt",
			parent: "/home",
			want: Entry{
				Name: "my notes.txt", Path: "/home/my notes.txt", Type: TypeRegular, Mode: 0o644,
				Owner: "app", Group: "app", Size: 42,
				ModTime: time.Unix(1700000000, 0),
			},
		},
		{
			name:   "char device",
			line:   "crw-rw-rw- 1 root root 0 1700000000 null",
			parent: "/dev",
			want: Entry{
				Name: "null", Path: "/dev/null", Type: TypeCharDevice, Mode: 0o666,
				Owner: "root", Group: "root", Size: 0,
				ModTime: time.Unix(1700000000, 0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLong(tt.line, tt.parent)
			if err != nil {
				t.Fatalf("ParseLong(%q): %v", tt.line, err)
			}
			if *got != tt.want {
				t.Errorf("ParseLong(%q) = %+v, want %+v", tt.line, *got, tt.want)
			}
		})
	}
}

func TestParseLongErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"total 4",
		"drwxr-xr-x 2 root root notasize 1700000000 etc",
		"?rw-r--r-- 1 root root 10 1700000000 odd",
	} {
		if _, err := ParseLong(line, "/"); err == nil {
			t.Errorf("ParseLong(%q): expected error", line)
		}
	}
}
