// Command server runs the relay: it bridges GitHub webhook deliveries to
// WebSocket sessions held by PR review tool instances.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/chadreview/relay/pkg/config"
	"github.com/chadreview/relay/pkg/logger"
	"github.com/chadreview/relay/pkg/secrets"
	"github.com/chadreview/relay/pkg/srv"
)

const shutdownGrace = 10 * time.Second

var (
	addr        = flag.String("addr", "", "bind address override (default from HOST/PORT)")
	letsencrypt = flag.Bool("letsencrypt", false, "use Let's Encrypt for automatic TLS certificates")
	leDomains   = flag.String("le-domains", "", "comma-separated domains for Let's Encrypt certificates")
	leCacheDir  = flag.String("le-cache-dir", "./.letsencrypt", "cache directory for Let's Encrypt certificates")
	leEmail     = flag.String("le-email", "", "contact email for Let's Encrypt notifications")
	credentials = flag.String("gcp-credentials", "", "path to GCP credentials for Secret Manager (optional)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// When a Secret Manager project is configured and the env var is unset,
	// fetch the webhook secret from there.
	if cfg.WebhookSecret == "" && cfg.SecretProjectID != "" {
		mgr, err := secrets.New(ctx, cfg.SecretProjectID, *credentials)
		if err != nil {
			log.Fatalf("secret manager: %v", err)
		}
		secret, err := mgr.Fetch(ctx, "FORGE_WEBHOOK_SECRET")
		if err != nil {
			log.Fatalf("fetch webhook secret: %v", err)
		}
		cfg.WebhookSecret = secret
		if err := mgr.Close(); err != nil {
			logger.Warn("closing secret manager client", logger.Fields{"error": err.Error()})
		}
	}

	if cfg.WebhookSecret == "" {
		logger.Warn("no webhook secret configured; signature verification is DISABLED", nil)
	}

	server := srv.New(cfg)
	httpServer := server.HTTPServer()
	if *addr != "" {
		httpServer.Addr = *addr
	}

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", err, nil)
		}
		close(done)
	}()

	var serveErr error
	if *letsencrypt {
		if *leDomains == "" {
			log.Fatal("-letsencrypt requires -le-domains")
		}
		domains := strings.Split(*leDomains, ",")
		for i := range domains {
			domains[i] = strings.TrimSpace(domains[i])
		}
		if err := os.MkdirAll(*leCacheDir, 0o700); err != nil {
			log.Fatalf("create Let's Encrypt cache dir: %v", err)
		}

		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(*leCacheDir),
			Email:      *leEmail,
		}

		httpServer.Addr = ":443"
		httpServer.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		// Port 80 answers ACME challenges; it must be reachable from the
		// internet for issuance and renewal.
		go func() {
			challenge := &http.Server{
				Addr:              ":80",
				Handler:           certManager.HTTPHandler(nil),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info("starting ACME challenge listener on :80", nil)
			if err := challenge.ListenAndServe(); err != nil {
				logger.Error("ACME challenge listener", err, nil)
			}
		}()

		logger.Info("starting HTTPS relay", logger.Fields{"addr": httpServer.Addr, "domains": domains})
		serveErr = server.ListenAndServeTLS()
	} else {
		logger.Info("starting HTTP relay", logger.Fields{"addr": httpServer.Addr})
		serveErr = server.ListenAndServe()
	}

	if serveErr != nil && serveErr != http.ErrServerClosed {
		log.Fatalf("server error: %v", serveErr)
	}

	<-done
	logger.Info("server stopped", nil)
}
