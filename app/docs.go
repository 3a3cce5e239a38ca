package app

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"gopkg.in/yaml.v3"

	"github.com/kisdeck/kis-ticker/kis/templates"
)

//go:embed docs/*.md
var docsFS embed.FS

// DocPage represents a parsed documentation page
type DocPage struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Order       int    `yaml:"order"`
	Slug        string `yaml:"-"`
	Content     template.HTML
}

// NavPage is one entry in the docs navigation.
type NavPage struct {
	Slug        string
	Title       string
	Description string
}

// DocsData holds template data for docs pages
type DocsData struct {
	Title       string
	Description string
	Content     template.HTML
	CurrentPath string
	Version     string
	Nav         []NavPage
}

// LandingData holds template data for the landing page
type LandingData struct {
	Version   string
	Pages     []NavPage
	ToolCount int
	Tools     []string
}

// DocsManager handles documentation serving
type DocsManager struct {
	pages   map[string]*DocPage
	nav     []NavPage
	tmpl    *template.Template
	md      goldmark.Markdown
	version string
	tools   []string
}

// NewDocsManager creates a new documentation manager
func NewDocsManager(version string, toolNames []string) (*DocsManager, error) {
	dm := &DocsManager{
		pages:   make(map[string]*DocPage),
		version: version,
		tools:   toolNames,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, extension.Table),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}

	var err error
	dm.tmpl, err = template.ParseFS(templates.FS, "landing.html", "docs_base.html")
	if err != nil {
		return nil, err
	}

	if err := dm.loadDocs(); err != nil {
		return nil, err
	}
	return dm, nil
}

// loadDocs parses every markdown file and orders the navigation.
func (dm *DocsManager) loadDocs() error {
	err := fs.WalkDir(docsFS, "docs", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		content, err := docsFS.ReadFile(path)
		if err != nil {
			return err
		}
		page, err := dm.parsePage(content)
		if err != nil {
			return err
		}

		// docs/index.md -> /docs/, docs/surfaces.md -> /docs/surfaces
		slug := strings.TrimSuffix(strings.TrimPrefix(path, "docs/"), ".md")
		if slug == "index" {
			slug = ""
		}
		page.Slug = "/docs/" + slug
		dm.pages[page.Slug] = page
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range dm.pages {
		dm.nav = append(dm.nav, NavPage{Slug: p.Slug, Title: p.Title, Description: p.Description})
	}
	sort.Slice(dm.nav, func(i, j int) bool {
		a, b := dm.pages[dm.nav[i].Slug], dm.pages[dm.nav[j].Slug]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Slug < b.Slug
	})
	return nil
}

// parsePage extracts frontmatter and renders markdown
func (dm *DocsManager) parsePage(content []byte) (*DocPage, error) {
	page := &DocPage{}

	if bytes.HasPrefix(content, []byte("---\n")) {
		parts := bytes.SplitN(content[4:], []byte("\n---\n"), 2)
		if len(parts) == 2 {
			if err := yaml.Unmarshal(parts[0], page); err != nil {
				return nil, err
			}
			content = parts[1]
		}
	}

	var buf bytes.Buffer
	if err := dm.md.Convert(content, &buf); err != nil {
		return nil, err
	}
	page.Content = template.HTML(buf.String())
	return page, nil
}

// ServeLanding handles the landing page at /
func (dm *DocsManager) ServeLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := LandingData{
		Version:   dm.version,
		Pages:     dm.nav,
		ToolCount: len(dm.tools),
		Tools:     dm.tools,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dm.tmpl.ExecuteTemplate(w, "landing", data); err != nil {
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}

// ServeDocs handles documentation pages at /docs/*
func (dm *DocsManager) ServeDocs(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/docs" {
		http.Redirect(w, r, "/docs/", http.StatusMovedPermanently)
		return
	}
	if path != "/docs/" {
		path = strings.TrimSuffix(path, "/")
	}

	page, ok := dm.pages[path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := DocsData{
		Title:       page.Title,
		Description: page.Description,
		Content:     page.Content,
		CurrentPath: path,
		Version:     dm.version,
		Nav:         dm.nav,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dm.tmpl.ExecuteTemplate(w, "docs_base", data); err != nil {
		http.Error(w, "Template error: "+err.Error(), http.StatusInternalServerError)
	}
}
