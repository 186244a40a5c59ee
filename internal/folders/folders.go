// Package folders provisions per-task working folders.
package folders

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
)

// Folders are the locations created for a task.
type Folders struct {
	CloudURL string
	FilesURL string
}

type Provisioner interface {
	Provision(ctx context.Context, siteID, code string) (Folders, error)
}

// Nop provisions nothing and returns empty locations.
type Nop struct{}

func (Nop) Provision(context.Context, string, string) (Folders, error) {
	return Folders{}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Local creates <Root>/<site>/<code>/{cloud,files} on the local filesystem.
type Local struct {
	Root string
}

func (l Local) Provision(ctx context.Context, siteID, code string) (Folders, error) {
	if l.Root == "" {
		return Folders{}, errors.New("folders root not configured")
	}
	if err := ctx.Err(); err != nil {
		return Folders{}, err
	}
	site := unsafeChars.ReplaceAllString(siteID, "_")
	name := unsafeChars.ReplaceAllString(code, "_")
	if site == "" || name == "" || site == "." || site == ".." || name == "." || name == ".." {
		return Folders{}, errors.New("invalid folder name")
	}
	base := filepath.Join(l.Root, site, name)
	cloud := filepath.Join(base, "cloud")
	files := filepath.Join(base, "files")
	for _, dir := range []string{cloud, files} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Folders{}, err
		}
	}
	return Folders{CloudURL: fileURL(cloud), FilesURL: fileURL(files)}, nil
}

func fileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// New returns a Local provisioner for root, or Nop when root is empty.
func New(root string) Provisioner {
	if root == "" {
		return Nop{}
	}
	return Local{Root: root}
}
