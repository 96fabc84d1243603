package methods

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/rpc"
)

func isJSON(format string) bool {
	return format == "json" || strings.HasPrefix(format, "application/json")
}

// Decode parses content in the given format. Only JSON is supported; an
// empty format means JSON.
func (p *Plugin) Decode(_ context.Context, content, format string) (node.Node, error) {
	if format == "" {
		format = "json"
	}
	if !isJSON(format) {
		return nil, fmt.Errorf("Incapable of decoding from format %q", format)
	}
	var n any
	if err := json.Unmarshal([]byte(content), &n); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	return n, nil
}

// Encode serialises a node. Only JSON is supported; an empty format means
// JSON. Output is indented with two spaces.
func (p *Plugin) Encode(_ context.Context, n node.Node, format string) (string, error) {
	if format == "" {
		format = "json"
	}
	if !isJSON(format) {
		return "", fmt.Errorf("Incapable of encoding to format %q", format)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(n); err != nil {
		return "", fmt.Errorf("encoding json: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

var protocolPattern = regexp.MustCompile(`^([a-z]{2,6})://`)

// Read returns the content at a URL and the format implied by it, if any.
func (p *Plugin) Read(ctx context.Context, input string) (content, format string, err error) {
	m := protocolPattern.FindStringSubmatch(input)
	if m == nil {
		limit := input
		if len(limit) > 500 {
			limit = limit[:500]
		}
		return "", "", rpc.CapabilityError(fmt.Sprintf("read from URL %q", limit))
	}
	switch protocol := m[1]; protocol {
	case "string":
		return strings.TrimPrefix(input, "string://"), "", nil
	case "stdio", "stdin":
		data, err := io.ReadAll(p.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), "", nil
	case "file":
		filePath := strings.TrimPrefix(input, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", "", fmt.Errorf("reading %s: %w", filePath, err)
		}
		return string(data), extFormat(filePath), nil
	case "http", "https":
		return p.readHTTP(ctx, input)
	default:
		return "", "", rpc.CapabilityError(fmt.Sprintf("read over protocol %q", protocol))
	}
}

func extFormat(p string) string {
	return strings.TrimPrefix(filepath.Ext(p), ".")
}

func (p *Plugin) readHTTP(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "jesta")
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetching %s: %s", rawURL, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("reading %s: %w", rawURL, err)
	}

	format := ""
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			format = strings.TrimPrefix(exts[0], ".")
		}
	}
	if format == "" {
		if u, err := url.Parse(rawURL); err == nil {
			format = strings.TrimPrefix(path.Ext(u.Path), ".")
		}
	}
	return string(data), format, nil
}

// Write puts content at a URL. A URL without a protocol is a file path.
// For string:// URLs the content is returned instead of written.
func (p *Plugin) Write(_ context.Context, content, output string) (node.Node, error) {
	m := protocolPattern.FindStringSubmatch(output)
	if m == nil {
		return nil, writeFile(output, content)
	}
	switch protocol := m[1]; protocol {
	case "string":
		return content, nil
	case "stdio", "stdout":
		if _, err := io.WriteString(p.Stdout, content); err != nil {
			return nil, fmt.Errorf("writing stdout: %w", err)
		}
		return nil, nil
	case "file":
		return nil, writeFile(strings.TrimPrefix(output, "file://"), content)
	default:
		return nil, rpc.CapabilityError(fmt.Sprintf("write over protocol %q", protocol))
	}
}

func writeFile(filePath, content string) error {
	if err := os.WriteFile(filePath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	return nil
}

// Import reads, decodes, validates and reshapes a node from a URL.
func (p *Plugin) Import(ctx context.Context, input, format string, force bool) (node.Node, error) {
	content, implied, err := p.Read(ctx, input)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = implied
	}
	n, err := p.Decode(ctx, content, format)
	if err != nil {
		return nil, err
	}
	if n, err = p.Validate(ctx, n, force); err != nil {
		return nil, err
	}
	return p.Reshape(ctx, n, force)
}

// Export encodes a node and writes it to a URL. The format defaults to the
// output's extension.
func (p *Plugin) Export(ctx context.Context, n node.Node, output, format string) (node.Node, error) {
	if format == "" && (strings.HasPrefix(output, "file://") || !protocolPattern.MatchString(output)) {
		format = extFormat(strings.TrimPrefix(output, "file://"))
	}
	content, err := p.Encode(ctx, n, format)
	if err != nil {
		return nil, err
	}
	return p.Write(ctx, content, output)
}

// Convert imports from one URL and exports to another.
func (p *Plugin) Convert(ctx context.Context, input, output, from, to string) (node.Node, error) {
	n, err := p.Import(ctx, input, from, false)
	if err != nil {
		return nil, err
	}
	return p.Export(ctx, n, output, to)
}

// Pull fetches a URL to a file path and returns the path. HTTP content is
// streamed to the file and files are copied; other URLs are read then
// written.
func (p *Plugin) Pull(ctx context.Context, input, output string) (string, error) {
	output = strings.TrimPrefix(output, "file://")
	m := protocolPattern.FindStringSubmatch(input)
	if m == nil {
		limit := input
		if len(limit) > 500 {
			limit = limit[:500]
		}
		return "", rpc.CapabilityError(fmt.Sprintf("pull from URL %q", limit))
	}
	switch m[1] {
	case "http", "https":
		return output, p.download(ctx, input, output)
	case "file":
		src, err := os.Open(strings.TrimPrefix(input, "file://"))
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", input, err)
		}
		defer src.Close()
		return output, copyToFile(output, src)
	default:
		content, _, err := p.Read(ctx, input)
		if err != nil {
			return "", err
		}
		return output, writeFile(output, content)
	}
}

func (p *Plugin) download(ctx context.Context, rawURL, filePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "jesta")
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetching %s: %s", rawURL, resp.Status)
	}
	return copyToFile(filePath, resp.Body)
}

func copyToFile(filePath string, r io.Reader) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filePath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	return f.Close()
}
