// Package webhook serves the HTTP surface of railbot: event ingestion for
// platforms that push over HTTP, health and queue depth for operators, and
// the public privacy policy page.
package webhook

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/zulandar/railbot/internal/ingest"
	"gorm.io/gorm"
)

//go:embed templates/*.html
var templatesFS embed.FS

// SecretHeader carries the shared secret on hook requests.
const SecretHeader = "X-Railbot-Secret"

// StartOpts holds configuration for the webhook server.
type StartOpts struct {
	DB            *gorm.DB
	Ingestor      *ingest.Ingestor // nil disables POST /hooks
	Secret        string
	PrivacyPolicy string // markdown file path; empty disables /privacy
	Port          int
	Out           io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Webhook server listening on :%d\n", opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("webhook: db is required")
	}
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("webhook: parse templates: %w", err)
	}
	var privacy template.HTML
	if opts.PrivacyPolicy != "" {
		privacy, err = renderMarkdownFile(opts.PrivacyPolicy)
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(tmpl)
	registerRoutes(router, routeDeps{
		db:       opts.DB,
		ingestor: opts.Ingestor,
		secret:   opts.Secret,
		privacy:  privacy,
	})
	return router, nil
}

// renderMarkdownFile converts a markdown document to HTML.
func renderMarkdownFile(path string) (template.HTML, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read privacy policy: %w", err)
	}
	var buf bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("render privacy policy: %w", err)
	}
	return template.HTML(buf.String()), nil
}
