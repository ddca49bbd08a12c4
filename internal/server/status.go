package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/pgrok/pgrok/internal/metrics"
)

// statusPage renders the registry snapshot named by spec §4.3 "Reserved
// paths" ("/$status serves the status page (HTML snapshot of the
// registry)"). Grounded on the teacher's preference for small inline
// templates over a separate static-asset pipeline.
var statusPage = template.Must(template.New("status").Funcs(template.FuncMap{
	"humanBytes": func(n int64) string { return sizestr.ToString(n) },
	"since": func(t time.Time) string { return time.Since(t).Round(time.Second).String() },
}).Parse(`<!doctype html>
<html>
<head><title>pgrok status</title></head>
<body>
<h1>pgrok</h1>
<p>{{len .Tunnels}} tunnel(s) registered.</p>
<table border="1" cellpadding="4">
<tr><th>ID</th><th>Kind</th><th>Requests</th><th>Open sub-streams</th><th>Idle for</th></tr>
{{range .Tunnels}}
<tr>
  <td>{{.ID}}</td>
  <td>{{.Kind}}</td>
  <td>{{.RequestCount}}</td>
  <td>{{.OpenSubStreams}}</td>
  <td>{{since .LastActivity}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`))

type statusPageData struct {
	Tunnels []statusRow
}

type statusRow struct {
	ID             string
	Kind           string
	RequestCount   int64
	OpenSubStreams int64
	LastActivity   time.Time
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	data := statusPageData{Tunnels: make([]statusRow, 0, len(snap))}
	for _, t := range snap {
		data.Tunnels = append(data.Tunnels, statusRow{
			ID:             t.ID,
			Kind:           t.Kind,
			RequestCount:   t.RequestCount,
			OpenSubStreams: t.OpenSubStreams,
			LastActivity:   t.LastActivity,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, data); err != nil {
		s.ELogf("failed to render status page: %s", err)
	}
}

// serveMetrics exposes the Prometheus exposition format when the server
// was configured with a *metrics.Prometheus collector.
func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	p, ok := s.cfg.Metrics.(*metrics.Prometheus)
	if !ok {
		http.NotFound(w, r)
		return
	}
	p.Handler().ServeHTTP(w, r)
}
