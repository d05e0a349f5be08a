package main

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	staticTemplatePrefix    = "/static/template/"
	staticSwaggerDocsPrefix = "/static/swagger-docs/"
)

// NewRouter wires the HTTP surface of the server.
func NewRouter(h *Handlers, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(rewriteTemplateURL)

	r.Get("/api/version", h.HandleVersion)
	r.Get("/ws/template/{template}", h.HandleWebsocket)

	r.Route("/api/template/{template}", func(r chi.Router) {
		r.Post("/data/text", h.HandleSetText)
		r.Post("/data/class/add", h.HandleAddClass)
		r.Post("/data/class/remove", h.HandleRemoveClass)
		r.Post("/data/animation/{animation}", h.HandleExecuteAnimation)
		r.Post("/data/image", h.HandleSetImageSource)
		r.Post("/template", h.HandleUploadTemplate)
		r.Get("/asset", h.HandleGetAssets)
		r.Post("/asset", h.HandleUploadAsset)
	})

	r.Route("/static", func(r chi.Router) {
		templates := http.FileServer(hiddenFileSystem{http.Dir(h.Templates.Dir())})
		r.Handle("/template/*", http.StripPrefix(staticTemplatePrefix, templates))
		docs := http.FileServer(hiddenFileSystem{http.Dir(h.SwaggerDocs)})
		r.Handle("/swagger-docs/*", http.StripPrefix(staticSwaggerDocsPrefix, docs))
		r.Get("/zagreus-runtime.js", h.HandleRuntime(""))
		r.Get("/zagreus-runtime.js.map", h.HandleRuntime(".map"))
	})

	r.Handle("/metrics", MetricsHandler(reg))

	return r
}

// rewriteTemplateURL serves /static/template/<name> as if it were requested
// as /static/template/<name>/, so a template loads from its bare URL. Paths
// whose last segment contains a dot are files and are left alone.
func rewriteTemplateURL(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if strings.HasPrefix(p, staticTemplatePrefix) && !strings.HasSuffix(p, "/") {
			last := p[strings.LastIndex(p, "/")+1:]
			if !strings.Contains(last, ".") {
				r.URL.Path = p + "/"
				if r.URL.RawPath != "" {
					r.URL.RawPath += "/"
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// hiddenFileSystem hides dot entries, such as in-flight upload folders, from
// a file server.
type hiddenFileSystem struct {
	http.FileSystem
}

func (fsys hiddenFileSystem) Open(name string) (http.File, error) {
	for _, part := range strings.Split(path.Clean(name), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return nil, fs.ErrNotExist
		}
	}
	f, err := fsys.FileSystem.Open(name)
	if err != nil {
		return nil, err
	}
	return hiddenFile{f}, nil
}

type hiddenFile struct {
	http.File
}

func (f hiddenFile) Readdir(n int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(n)
	visible := infos[:0]
	for _, info := range infos {
		if !strings.HasPrefix(info.Name(), ".") {
			visible = append(visible, info)
		}
	}
	return visible, err
}
