package presenter

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cochaviz/preview/internal/bootstrap"
	"github.com/cochaviz/preview/internal/logging"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
)

var viewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>preview</title>
<style>
html, body { margin: 0; height: 100%; font-family: sans-serif; color: #9ca3af; }
.center { height: 100%; display: flex; align-items: center; justify-content: center; text-align: center; }
iframe { border: 0; width: 100%; height: 100%; }
</style>
</head>
<body data-phase="{{.Phase}}" data-cycle="{{.CycleID}}">
{{- if eq .Phase "ready"}}
<iframe src="{{.Address}}"></iframe>
{{- else if eq .Phase "failed"}}
<div class="center"><div><p>Something went wrong while starting the application.</p><pre>{{.Reason}}</pre></div></div>
{{- else}}
<div class="center"><p>Loading...</p></div>
{{- end}}
<script>
(function () {
  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(scheme + location.host + "/ws");
  ws.onmessage = function (msg) {
    var state = JSON.parse(msg.data);
    if (state.phase !== document.body.dataset.phase || (state.cycle_id || "") !== document.body.dataset.cycle) {
      location.reload();
    }
  };
})();
</script>
</body>
</html>
`))

// HTTP serves the orchestration state as a web view: a loading indicator, the
// running application in an iframe, or an error indication.
type HTTP struct {
	source   StateSource
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	router   *gin.Engine
}

// NewHTTP builds the presenter. gatherer may be nil to disable /metrics.
func NewHTTP(source StateSource, logger *slog.Logger, gatherer prometheus.Gatherer) *HTTP {
	h := &HTTP{
		source:   source,
		logger:   logging.Ensure(logger).With("component", "presenter.http"),
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the view is served for local development only
			},
		},
	}
	h.router = h.routes()
	return h
}

func (h *HTTP) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	router.SetHTMLTemplate(viewTemplate)

	router.GET("/", h.handleView)
	router.GET("/state", h.handleState)
	router.GET("/ws", h.handleStream)
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

func (h *HTTP) Handler() http.Handler {
	return h.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (h *HTTP) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("serving preview", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (h *HTTP) handleView(c *gin.Context) {
	c.HTML(http.StatusOK, "view", h.source.State())
}

func (h *HTTP) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.State())
}

func (h *HTTP) handleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	states, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	// The client never sends anything meaningful; reading only detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if err := h.writeState(conn, state); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *HTTP) writeState(conn *websocket.Conn, state bootstrap.State) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(state)
}

func (h *HTTP) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
