// Command pushapp-demo runs the PushApp SDK headless: in-app messages are
// logged instead of rendered, and SDK metrics are served over HTTP.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/pushapp/pkg/inapp"
	"github.com/R3E-Network/pushapp/pkg/logger"
	"github.com/R3E-Network/pushapp/sdk/pushapp"
)

// logPresenter prints in-app messages.
type logPresenter struct {
	log *logger.Logger
}

func (p logPresenter) Present(layout inapp.Layout, template inapp.Template) {
	html, _ := template.HTML()
	p.log.WithField("layout", string(layout)).WithField("html", html).Info("in-app message")
}

func (p logPresenter) CurrentPresentationContext() bool { return true }

// staticToken hands a fixed token to the client when asked.
type staticToken struct {
	client *pushapp.Client
	token  []byte
	log    *logger.Logger
}

func (s *staticToken) RequestDeviceToken() {
	if len(s.token) == 0 {
		s.log.Warn("device token requested but -token not set")
		return
	}
	s.client.HandleDeviceToken(s.token)
}

func main() {
	log := logger.NewFromEnv("pushapp-demo")
	if err := run(log, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.WithError(err).Error("pushapp-demo failed")
		os.Exit(1)
	}
}

func run(log *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("pushapp-demo", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "Path to YAML config (default: environment)")
		envFile     = fs.String("env", ".env", "Path to .env file used when -config is empty")
		identifier  = fs.String("identifier", os.Getenv("PUSHAPP_IDENTIFIER"), "SDK identifier <tenant>$<channel>")
		sandbox     = fs.Bool("sandbox", false, "Use the sandbox endpoints")
		userID      = fs.String("user", "", "Log in as this user after initialize")
		tokenHex    = fs.String("token", "", "Hex push token to register when no user is persisted")
		metricsAddr = fs.String("metrics-addr", ":9464", "Address to serve /metrics on (empty disables)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	token, err := hex.DecodeString(*tokenHex)
	if err != nil {
		return fmt.Errorf("decode -token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := &staticToken{token: token, log: log}
	client, err := pushapp.New(pushapp.Options{
		Config:      cfg,
		Presenter:   logPresenter{log: log.Named("presenter")},
		TokenSource: source,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	source.client = client
	defer client.Close()

	if *metricsAddr != "" {
		srv := metricsServer(*metricsAddr, client)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := client.Initialize(ctx, *identifier, *sandbox); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if *userID != "" {
		if err := client.Login(ctx, *userID); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	<-ctx.Done()
	log.WithField("identity", client.Identity().Effective()).Info("shutting down")
	return nil
}

func loadConfig(path, envFile string) (pushapp.Config, error) {
	if path != "" {
		return pushapp.LoadConfig(path)
	}
	return pushapp.ConfigFromEnv(envFile)
}

func metricsServer(addr string, client *pushapp.Client) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", client.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(client.ChannelState().String()))
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}
