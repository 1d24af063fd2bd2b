// Package scripts maps site identifiers to their downloader executables.
package scripts

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/JakeFAU/linksniff/internal/process"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Registry resolves scripts inside one directory using a file name pattern
// such as "linksniff-%s.py".
type Registry struct {
	dir         string
	pattern     string
	interpreter string
}

// New creates a Registry. interpreter may be empty when the files are
// directly executable.
func New(dir, pattern, interpreter string) *Registry {
	return &Registry{dir: dir, pattern: pattern, interpreter: interpreter}
}

// ValidName reports whether script is safe to use as a file name component.
func ValidName(script string) bool {
	return validName.MatchString(script)
}

// Path returns the executable location for script.
func (r *Registry) Path(script string) string {
	return filepath.Join(r.dir, fmt.Sprintf(r.pattern, script))
}

// Exists reports whether a regular file backs script.
func (r *Registry) Exists(script string) bool {
	if !ValidName(script) {
		return false
	}
	info, err := os.Stat(r.Path(script))
	return err == nil && info.Mode().IsRegular()
}

// Command builds the invocation for one task, run inside workDir.
func (r *Registry) Command(script, target, workDir string) process.Command {
	path := r.Path(script)
	if r.interpreter == "" {
		return process.Command{Path: path, Args: []string{target}, Dir: workDir}
	}
	return process.Command{Path: r.interpreter, Args: []string{path, target}, Dir: workDir}
}

// ScriptForURL derives the site identifier from a URL: the second-to-last
// label of the host ("www.youtube.com" gives "youtube"). A host without
// dots is used whole.
func ScriptForURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	labels := strings.Split(host, ".")
	name := labels[0]
	if len(labels) > 1 {
		name = labels[len(labels)-2]
	}
	if !ValidName(name) {
		return "", fmt.Errorf("host %q does not name a site", host)
	}
	return name, nil
}
