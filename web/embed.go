// Package web embeds the widget loader script that customer sites include
// with a single <script> tag.
package web

import (
	"bytes"
	"embed"
	"net/http"
	"time"
)

//go:embed static
var staticFS embed.FS

var loadedAt = time.Now()

// WidgetScriptHandler serves the embedded widget loader at /widget.js.
func WidgetScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile("static/widget.js")
		if err != nil {
			http.Error(w, "widget script unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		http.ServeContent(w, r, "widget.js", loadedAt, bytes.NewReader(data))
	})
}
