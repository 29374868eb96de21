package status

import (
	"context"
	"fmt"
	htmltemplate "html/template"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/salesingest/config"
)

const mirrorTimeout = 5 * time.Second

// NewMux returns the handler for the status server.
// go-healthz registers /healthz on the default mux, so that path is
// delegated to it.
func NewMux(c config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", http.DefaultServeMux)
	mux.Handle("/", &Page{
		c: c,
	})
	return mux
}

// StartHTTPServer runs the status server until ctx is cancelled.
// It returns nil right away if no address is configured.
func StartHTTPServer(ctx context.Context, c config.Config) error {
	if c.HTTP.Address == "" {
		logrus.Info("HTTP stats server disabled")
		return nil
	}
	ln, err := net.Listen("tcp", c.HTTP.Address)
	if err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	logrus.WithField("address", ln.Addr().String()).Info("HTTP stats server enabled")
	return serveHTTP(ctx, ln, NewMux(c))
}

func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	err := hs.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return fmt.Errorf("HTTP server error: %w", err)
}

// Page is the HTML status page
type Page struct {
	c config.Config
}

const statusTemplateString = `<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<title>Sales Ingest Status</title>
	<style>
		body          { font-family: sans-serif; }
		table, td, th { border: 1px solid #ccc; border-collapse: collapse; }
		td, th        { padding: 5px; text-align: left; }
		td.last       { text-align: right; }
		td.error      { background-color: #ffb8b8; }
		td.no-error   { background-color: #a6f3a6; }
		a             { text-decoration: none; color: #3c6ac5; }
	</style>
</head>
<body>
	<h1>Sales Ingest Status</h1>
	<p>
		<a href="/metrics">Prometheus metrics</a> |
		<a href="/healthz">Health</a>
	</p>

	<h2>Server</h2>
	{{ if .Server.Running }}
	<p>Listening on {{ .Config.Listen }}, {{ .Server.Active }} active connections, {{ .Server.Accepted }} accepted.</p>
	{{ else }}
	<p>Not running.</p>
	{{ end }}

	<h2>Recent uploads</h2>
	<table>
		<tr><th>Time</th><th>Remote</th><th>Branch</th><th>State</th><th>Size</th><th>Duration</th><th>Error</th></tr>
		{{ range .Server.Recent }}
		<tr>
			<td>{{ .Time.Format "2006-01-02 15:04:05" }}</td>
			<td>{{ .Remote }}</td>
			<td>{{ .Branch }}</td>
			<td>{{ .State }}</td>
			<td class="last">{{ .Bytes }}</td>
			<td class="last">{{ .Duration }}</td>
			{{ if .Error }}<td class="error">{{ .Error }}</td>{{ else }}<td class="no-error">OK</td>{{ end }}
		</tr>
		{{ end }}
	</table>

	<h2>Branches</h2>
	{{ if .BranchesErr }}
	<p>Error: {{ .BranchesErr }}</p>
	{{ end }}
	<table>
		<tr><th>Branch</th><th>Size</th></tr>
		{{ range .Branches }}
		<tr>
			<td>{{ .Branch }}</td>
			{{ if .Err }}<td class="error">{{ .Err }}</td>{{ else }}<td class="last">{{ .Size }}</td>{{ end }}
		</tr>
		{{ end }}
	</table>

	{{ if .HasMirror }}
	<h2>Mirror</h2>
	{{ if .MirrorErr }}
	<p>Error: {{ .MirrorErr }}</p>
	{{ end }}
	<table>
		<tr><th>Branch</th><th>Blob</th><th>Size</th></tr>
		{{ range .Mirrored }}
		<tr>
			<td>{{ .Branch }}</td>
			<td>{{ .Blob }}</td>
			{{ if .Err }}<td class="error">{{ .Err }}</td>{{ else }}<td class="last">{{ .Size }}</td>{{ end }}
		</tr>
		{{ end }}
	</table>
	{{ end }}

	<h2>Config</h2>
	<pre>{{ .Config.String }}</pre>

</body>
</html>`

var statusTemplate *htmltemplate.Template

func init() {
	var err error
	statusTemplate, err = htmltemplate.New("status").Parse(statusTemplateString)
	if err != nil {
		log.Fatalf("BUG: Error in status HTML template: %v", err)
	}
}

func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	branches, branchesErr := gi.Branches()
	var mirrored []MirrorInfo
	var mirrorErr error
	hasMirror := gi.HasMirror()
	if hasMirror {
		ctx, cancel := context.WithTimeout(r.Context(), mirrorTimeout)
		defer cancel()
		mirrored, mirrorErr = gi.MirrorBranches(ctx)
	}

	data := struct {
		Config      config.Config
		Server      ServerInfo
		Branches    []BranchInfo
		BranchesErr error
		HasMirror   bool
		Mirrored    []MirrorInfo
		MirrorErr   error
	}{
		Config:      p.c,
		Server:      gi.ServerInfo(),
		Branches:    branches,
		BranchesErr: branchesErr,
		HasMirror:   hasMirror,
		Mirrored:    mirrored,
		MirrorErr:   mirrorErr,
	}

	err := statusTemplate.Execute(w, data)
	if err != nil {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(fmt.Sprintf("Template execution error: %v", err)))
	}
}

func humanSize(n int64) string {
	return datasize.ByteSize(n).HumanReadable()
}
