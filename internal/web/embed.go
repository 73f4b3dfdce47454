// Package web embeds the status display served next to the API.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed dist/*
var staticFiles embed.FS

// GetFileSystem returns the embedded filesystem with the dist folder as root.
func GetFileSystem() (fs.FS, error) {
	return fs.Sub(staticFiles, "dist")
}

// RegisterStaticRoutes serves the embedded files for every path outside
// /api, falling back to index.html. Register the API routes first.
func RegisterStaticRoutes(e *echo.Echo) error {
	staticFS, err := GetFileSystem()
	if err != nil {
		return err
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	e.GET("/*", func(c echo.Context) error {
		requestPath := path.Clean(c.Request().URL.Path)
		if strings.HasPrefix(requestPath, "/api/") {
			return echo.ErrNotFound
		}
		name := strings.TrimPrefix(requestPath, "/")
		if name == "" || name == "." {
			return c.HTMLBlob(http.StatusOK, index)
		}
		if st, err := fs.Stat(staticFS, name); err != nil || st.IsDir() {
			return c.HTMLBlob(http.StatusOK, index)
		}
		fileServer.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	return nil
}

// HasEmbeddedFiles reports whether an index.html was embedded.
func HasEmbeddedFiles() bool {
	_, err := fs.Stat(staticFiles, "dist/index.html")
	return err == nil
}
