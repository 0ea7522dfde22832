// Package render turns check templates into the content string attached to
// a result. Templates are Liquid sources, either inline in the config or a
// .liquid file under the project root, with built-in fallbacks per schema.
// Rendering never fails the caller: a broken template logs once and yields
// empty content.
package render

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osteele/liquid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/droverhq/drover/internal/review"
)

// TemplateExt is the mandated suffix for template file references. A check
// template value without it is treated as inline source.
const TemplateExt = ".liquid"

// SchemaPlain short-circuits rendering: the first issue message is the content.
const SchemaPlain = "plain"

// maxReadFileBytes bounds the readfile filter and template file loads.
const maxReadFileBytes = 512 * 1024

//go:embed templates/*.liquid
var builtinFS embed.FS

// Options configures a Renderer.
type Options struct {
	// ProjectRoot confines template file references and the readfile filter.
	// Defaults to the process working directory.
	ProjectRoot string
	// BuiltinDirs are searched for <schema>.liquid before the embedded set.
	BuiltinDirs []string
	Logger      zerolog.Logger
}

// Renderer parses and renders Liquid templates with the engine's filter set.
// Parsed templates are cached by content digest; a Renderer is safe for
// concurrent use.
type Renderer struct {
	engine      *liquid.Engine
	projectRoot string
	builtinDirs []string
	log         zerolog.Logger

	templates *xsync.MapOf[[32]byte, *liquid.Template]
	warned    *xsync.MapOf[string, struct{}]
}

// New builds a Renderer with all engine filters registered.
func New(opts Options) *Renderer {
	root := opts.ProjectRoot
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		} else {
			root = "."
		}
	}
	r := &Renderer{
		engine:      liquid.NewEngine(),
		projectRoot: root,
		builtinDirs: opts.BuiltinDirs,
		log:         opts.Logger,
		templates:   xsync.NewMapOf[[32]byte, *liquid.Template](),
		warned:      xsync.NewMapOf[string, struct{}](),
	}
	r.registerFilters()
	return r
}

// Render renders source against data. Parse and render errors are logged
// once per template and produce empty content.
func (r *Renderer) Render(source string, data map[string]any) string {
	if strings.TrimSpace(source) == "" {
		return ""
	}
	tpl, err := r.parse(source)
	if err != nil {
		r.warnOnce("parse", source, err)
		return ""
	}
	out, err := tpl.RenderString(liquid.Bindings(data))
	if err != nil {
		r.warnOnce("render", source, err)
		return ""
	}
	return out
}

// ContentFor produces the content string for a completed check: plain schema
// returns the first issue message, otherwise the resolved template renders,
// otherwise issues fall back to a bullet list.
func (r *Renderer) ContentFor(schema, template string, data map[string]any, issues []review.Issue) string {
	if schema == SchemaPlain {
		if len(issues) > 0 {
			return issues[0].Message
		}
		return ""
	}
	if src, ok := r.ResolveTemplate(template, schema); ok {
		return r.Render(src, data)
	}
	if len(issues) > 0 {
		return BulletList(issues)
	}
	return ""
}

// ResolveTemplate locates template source for a check. A non-empty template
// value wins: a .liquid suffix means a file under the project root, anything
// else is inline source. With no template, the schema name is looked up in
// the override dirs and then the embedded set.
func (r *Renderer) ResolveTemplate(template, schema string) (string, bool) {
	if template != "" {
		if strings.HasSuffix(template, TemplateExt) {
			data, err := r.readProjectFile(template)
			if err != nil {
				r.warnOnce("template-file", template, err)
				return "", false
			}
			return string(data), true
		}
		return template, true
	}
	if schema == "" || schema == SchemaPlain {
		return "", false
	}
	name := schema + TemplateExt
	for _, dir := range r.builtinDirs {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), true
		}
	}
	if data, err := builtinFS.ReadFile("templates/" + name); err == nil {
		return string(data), true
	}
	return "", false
}

// BulletList is the default content for results with issues and no template.
func BulletList(issues []review.Issue) string {
	var b strings.Builder
	for _, is := range issues {
		b.WriteString("- [")
		b.WriteString(string(is.Severity))
		b.WriteString("] ")
		b.WriteString(is.Message)
		if is.File != "" {
			b.WriteString(" (")
			b.WriteString(is.File)
			if is.Line > 0 {
				fmt.Fprintf(&b, ":%d", is.Line)
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	key := blake3.Sum256([]byte(source))
	if tpl, ok := r.templates.Load(key); ok {
		return tpl, nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	actual, _ := r.templates.LoadOrStore(key, tpl)
	return actual, nil
}

// readProjectFile loads a relative path confined to the project root.
func (r *Renderer) readProjectFile(rel string) ([]byte, error) {
	abs, err := r.safePath(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxReadFileBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes", rel, maxReadFileBytes)
	}
	return os.ReadFile(abs)
}

// safePath validates a template or readfile reference: no empty paths,
// null bytes, ~, absolute paths, or .. segments anywhere.
func (r *Renderer) safePath(rel string) (string, error) {
	switch {
	case strings.TrimSpace(rel) == "":
		return "", errors.New("empty path")
	case strings.ContainsRune(rel, 0):
		return "", errors.New("path contains null byte")
	case strings.Contains(rel, "~"):
		return "", errors.New("path contains ~")
	case filepath.IsAbs(rel):
		return "", fmt.Errorf("absolute path %s not allowed", rel)
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %s escapes project root", rel)
		}
	}
	return filepath.Join(r.projectRoot, filepath.Clean(rel)), nil
}

func (r *Renderer) warnOnce(stage, source string, err error) {
	sum := blake3.Sum256([]byte(source))
	key := stage + ":" + fmt.Sprintf("%x", sum[:8])
	if _, loaded := r.warned.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	r.log.Warn().
		Str("stage", stage).
		Str("template", truncate(source, 120)).
		Err(err).
		Msg("template error, content omitted")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
