package setup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVerify(t *testing.T) {
	saved := lookPath
	t.Cleanup(func() { lookPath = saved })

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, ManifestFile), []byte(`{"scripts":{"dev":"vite"}}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tests := []struct {
		name    string
		dir     string
		lookErr error
		wantErr string
	}{
		{name: "valid project", dir: project},
		{name: "missing directory", dir: filepath.Join(project, "missing"), wantErr: "does not exist"},
		{name: "not a directory", dir: file, wantErr: "not a directory"},
		{name: "missing manifest", dir: t.TempDir(), wantErr: ManifestFile},
		{name: "missing package manager", dir: project, lookErr: errors.New("executable file not found"), wantErr: "not found on PATH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookPath = func(name string) (string, error) {
				if tt.lookErr != nil {
					return "", tt.lookErr
				}
				return "/usr/bin/" + name, nil
			}

			err := Verify(tt.dir)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Verify() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Verify() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveProjectDir(t *testing.T) {
	got, err := ResolveProjectDir("")
	if err != nil {
		t.Fatalf("ResolveProjectDir() error = %v", err)
	}
	wd, _ := os.Getwd()
	if got != wd {
		t.Fatalf("ResolveProjectDir(\"\") = %q, want %q", got, wd)
	}

	got, err = ResolveProjectDir("sub/dir")
	if err != nil || !filepath.IsAbs(got) || !strings.HasSuffix(got, filepath.Join("sub", "dir")) {
		t.Fatalf("ResolveProjectDir(sub/dir) = %q, %v", got, err)
	}
}
