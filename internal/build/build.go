// Package build manages the npm package manifest of a document and installs
// the packages its code imports.
package build

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ManifestFile is the name of the package manifest.
const ManifestFile = "package.json"

// PackageJSON is the subset of package.json that build reads. Unknown fields
// are kept when the file is rewritten.
type PackageJSON struct {
	Dependencies map[string]string
	fields       map[string]any
}

// Defaults for fields of a newly created package.json. They keep npm from
// warning about their absence.
func defaults() map[string]any {
	return map[string]any{
		"description":  "NPM package for this document",
		"repository":   "-",
		"license":      "Apache-2.0",
		"dependencies": map[string]any{},
	}
}

// Load reads package.json from dir, creating it with defaults when missing.
func Load(dir string) (*PackageJSON, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		p := &PackageJSON{Dependencies: map[string]string{}, fields: defaults()}
		if err := p.Save(dir); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	p := &PackageJSON{Dependencies: map[string]string{}, fields: fields}
	if deps, ok := fields["dependencies"].(map[string]any); ok {
		for name, version := range deps {
			s, _ := version.(string)
			p.Dependencies[name] = s
		}
	}
	return p, nil
}

// Save writes the manifest to dir with two space indentation.
func (p *PackageJSON) Save(dir string) error {
	fields := make(map[string]any, len(p.fields)+1)
	for k, v := range p.fields {
		fields[k] = v
	}
	deps := make(map[string]any, len(p.Dependencies))
	for name, version := range p.Dependencies {
		deps[name] = version
	}
	fields["dependencies"] = deps

	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ManifestFile, err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Missing returns the packages not yet listed in dependencies, in order.
func (p *PackageJSON) Missing(pkgs []string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, pkg := range pkgs {
		if pkg == "" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		if _, ok := p.Dependencies[pkg]; !ok {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// Installer installs packages into a directory.
type Installer interface {
	Install(ctx context.Context, dir string, pkgs []string) error
}

// NpmInstaller installs packages with npm.
type NpmInstaller struct {
	// Command defaults to "npm".
	Command string
	Logger  *slog.Logger
}

// Install runs `npm install --save-exact <pkgs...>` in dir. Output from npm
// goes to the logger line by line.
func (n *NpmInstaller) Install(ctx context.Context, dir string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	command := n.Command
	if command == "" {
		command = "npm"
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := append([]string{"install", "--save-exact"}, pkgs...)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	stdout := &lineLogger{logger: logger}
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(&stderr, stdout)

	logger.Info("Installing packages", "dir", dir, "packages", pkgs)
	err := cmd.Run()
	stdout.flush()
	if err != nil {
		return fmt.Errorf("npm install %v: %w: %s", pkgs, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// lineLogger is shared by the stdout and stderr copy goroutines of exec.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.emit(line)
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := bufio.NewScanner(&l.buf)
	for s.Scan() {
		l.emit(s.Text())
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimSpace(line)
	if line != "" {
		l.logger.Debug("npm", "output", line)
	}
}

// RecordingInstaller remembers install calls and adds the packages to the
// manifest as npm would. It is used when installation is disabled and in tests.
type RecordingInstaller struct {
	mu    sync.Mutex
	Calls [][]string
}

// Install records pkgs and lists them in dir's package.json.
func (r *RecordingInstaller) Install(ctx context.Context, dir string, pkgs []string) error {
	r.mu.Lock()
	r.Calls = append(r.Calls, append([]string(nil), pkgs...))
	r.mu.Unlock()

	p, err := Load(dir)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		p.Dependencies[pkg] = "*"
	}
	return p.Save(dir)
}

// Installed returns every package passed to Install, sorted.
func (r *RecordingInstaller) Installed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []string
	for _, call := range r.Calls {
		all = append(all, call...)
	}
	sort.Strings(all)
	return all
}
