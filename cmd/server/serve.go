package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"homeworkhelper/internal/router"
	"homeworkhelper/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	answers, err := services.NewAnswerService(services.AnswerConfig{
		APIKey:   a.cfg.OpenAIKey,
		BaseURL:  a.cfg.OpenAIBaseURL,
		Model:    a.cfg.OpenAIModel,
		CacheTTL: a.cfg.AnswerTTL,
	}, a.log, a.metrics)
	if err != nil {
		return err
	}
	if !answers.Enabled() {
		a.log.Warn("OPENAI_API_KEY not set, questions will be stored without AI answers")
	}

	reconciler := a.reconciler()
	if err := reconciler.Start(a.cfg.ReconcileSchedule); err != nil {
		return err
	}
	defer reconciler.Stop()

	engine, err := router.New(ctx, router.Deps{
		Backend:    a.backend,
		Questions:  services.NewQuestionService(a.backend.Questions(), answers, a.log),
		Ranking:    services.NewRankingService(a.backend.Questions(), a.backend.Votes(), a.cfg.PageSizeDefault, a.cfg.PageSizeMax),
		Votes:      services.NewVoteCoordinator(a.backend.Votes(), a.backend.Questions(), a.log, a.metrics),
		Reconciler: reconciler,
		Auth:       a.authenticator(),
		Metrics:    a.metrics,
		Log:        a.log,
		AdminToken: a.cfg.AdminToken,
		CORSOrigin: a.cfg.CORSOrigin,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Server listening", zap.String("addr", srv.Addr), zap.String("store", a.cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	a.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	a.log.Info("Server exiting")
	return nil
}
