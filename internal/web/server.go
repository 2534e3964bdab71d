// Package web serves the bundled event viewer, a small page for
// watching a thread's live event stream during development and
// incident triage.
package web

import (
	"io/fs"
	"net/http"
)

type Server struct {
	// Dir overrides the bundled assets when set.
	Dir string
}

func (s *Server) Handler() http.Handler {
	var files http.Handler
	if s.Dir != "" {
		files = http.FileServer(http.Dir(s.Dir))
	} else {
		sub, err := fs.Sub(assets, "assets")
		if err != nil {
			return http.NotFoundHandler()
		}
		files = http.FileServer(http.FS(sub))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		files.ServeHTTP(w, r)
	})
}
