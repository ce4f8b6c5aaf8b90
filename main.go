package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/config"
	"github.com/gluk-w/claworc/droplet-panel/internal/droplets"
	"github.com/gluk-w/claworc/droplet-panel/internal/handlers"
	"github.com/gluk-w/claworc/droplet-panel/internal/logging"
	"github.com/gluk-w/claworc/droplet-panel/internal/provision"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshkeys"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshproxy"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshterminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/ssh"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	// SSH identity. Without it the panel still serves the cloud API routes,
	// but every SSH operation fails at dial time.
	signer, err := sshkeys.LoadSigner(config.Cfg.SSHPrivateKey, config.Cfg.SSHPrivateKeyPath)
	if err != nil {
		log.Printf("WARNING: SSH key init: %v", err)
	} else {
		log.Printf("SSH key loaded (%s)", ssh.FingerprintSHA256(signer.PublicKey()))
	}
	hostKeys := sshkeys.NewHostKeyLog()
	dialer := &sshproxy.Dialer{
		Signer:          signer,
		Port:            config.Cfg.SSHPort,
		Timeout:         config.Cfg.SSHDialTimeout,
		Keepalive:       config.Cfg.SSHKeepalive,
		HostKeyCallback: hostKeys.Callback,
	}

	// Session broker
	sessions := sshterminal.NewRegistry(sshterminal.Options{
		Dialer:         dialer,
		TermType:       config.Cfg.TerminalType,
		InputDebounce:  config.Cfg.InputDebounce,
		MarkerPhrase:   config.Cfg.MarkerPhrase,
		MarkerWindow:   config.Cfg.MarkerWindow,
		ScrollbackSize: config.Cfg.TerminalHistorySize,
		Recording:      config.Cfg.TerminalRecording,
	})
	handlers.Sessions = sessions
	log.Printf("Session registry initialized (history=%d bytes, recording=%v, idle_timeout=%s)",
		config.Cfg.TerminalHistorySize, config.Cfg.TerminalRecording, config.Cfg.SessionIdleTimeout)

	reaper, err := startReaper(sessions, config.Cfg.ReaperSchedule, config.Cfg.SessionIdleTimeout)
	if err != nil {
		log.Fatalf("Session reaper: %v", err)
	}

	// Cloud API
	handlers.Cloud = droplets.New(config.Cfg.CloudBaseURL, config.Cfg.CloudToken)
	handlers.ProxyAllow = config.Cfg.ProxyAllow
	if config.Cfg.CloudToken == "" {
		log.Printf("WARNING: PANEL_CLOUD_TOKEN is not set; droplet routes will fail")
	}

	// Provisioning
	commands, err := provision.LoadCommands(config.Cfg.CommandAllowlist)
	if err != nil {
		log.Fatalf("Command allow-list: %v", err)
	}
	handlers.Provisioner = &provision.Runner{
		Dialer:     dialer,
		User:       config.Cfg.ProvisionUser,
		ScriptPath: config.Cfg.ProvisionScriptPath,
		Commands:   commands,
	}
	log.Printf("Provisioning: script=%s user=%s allow-list=%d commands",
		config.Cfg.ProvisionScriptPath, config.Cfg.ProvisionUser, len(commands.List()))

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/server-logs", handlers.GetServerLogs)
		r.Delete("/server-logs", handlers.ClearServerLogs)

		// Cloud API
		r.Get("/proxy", handlers.CloudProxy)
		r.Get("/droplets", handlers.ListDroplets)
		r.Post("/droplets", handlers.CreateDroplet)
		r.Get("/droplets/{id}", handlers.GetDroplet)
		r.Delete("/droplets/{id}", handlers.DeleteDroplet)
		r.Get("/droplets/{id}/wait", handlers.WaitDroplet)

		// One-shot SSH actions
		r.Post("/ssh/exec", handlers.SSHExec)
		r.Post("/ssh/setup-user", handlers.SetupUser)
		r.Post("/ssh/upload-script", handlers.UploadScript)
		r.Post("/ssh/run-script", handlers.RunScript)

		// Interactive sessions
		r.Get("/ssh/sessions", handlers.ListSessions)
		r.Post("/ssh/sessions", handlers.CreateSession)
		r.Get("/ssh/sessions/{id}", handlers.GetSession)
		r.Delete("/ssh/sessions/{id}", handlers.DeleteSession)
		r.Get("/ssh/sessions/{id}/events", handlers.SessionEvents)
		r.Get("/ssh/sessions/{id}/ws", handlers.SessionWS)
		r.Post("/ssh/sessions/{id}/input", handlers.SessionInput)
		r.Post("/ssh/sessions/{id}/resize", handlers.SessionResize)
		r.Get("/ssh/sessions/{id}/recording", handlers.SessionRecording)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-reaper.Stop().Done()
	// Sessions close before Shutdown so open event streams end.
	sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
