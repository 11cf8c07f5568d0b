package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/flashtest/internal/dialog"
	"github.com/pavelanni/flashtest/internal/handler"
	appI18n "github.com/pavelanni/flashtest/internal/i18n"
	"github.com/pavelanni/flashtest/internal/llm"
	"github.com/pavelanni/flashtest/internal/metrics"
	"github.com/pavelanni/flashtest/internal/reconcile"
	"github.com/pavelanni/flashtest/internal/session"
	"github.com/pavelanni/flashtest/internal/storage"
	"github.com/pavelanni/flashtest/internal/telegram"
	"github.com/pavelanni/flashtest/internal/xlsx"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the operator HTTP server",
		RunE:  runServe,
	}
	commonFlags(cmd)
	f := cmd.Flags()
	f.String("telegram-token", "", "Telegram bot token (or set FLASHTEST_TELEGRAM_TOKEN)")
	f.Float64("telegram-rate", 25, "Outbound Telegram messages per second")
	f.Int("telegram-burst", 30, "Outbound Telegram burst size")
	f.StringP("addr", "a", ":8080", "Operator HTTP listen address (empty disables)")
	f.String("blob-driver", "fs", "Archive for uploaded tests and results (none, fs, minio)")
	f.String("blob-path", "archive", "Archive directory for the fs driver")
	f.String("minio-endpoint", "localhost:9000", "MinIO endpoint")
	f.String("minio-access-key", "", "MinIO access key")
	f.String("minio-secret-key", "", "MinIO secret key")
	f.String("minio-bucket", "flashtest", "MinIO bucket")
	f.Bool("minio-ssl", false, "Use TLS for MinIO")
	f.String("llm-url", "", "OpenAI-compatible API base URL for grading hints (empty disables)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if !slices.Contains(appI18n.Languages(), lang) {
		return fmt.Errorf("unsupported language %q (available: %s)", lang, strings.Join(appI18n.Languages(), ", "))
	}
	metrics.Init()

	// A nil advisor leaves ungraded answers without hints.
	var advisor reconcile.Advisor
	if url := v.GetString("llm-url"); url != "" {
		llmClient := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"))
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"))
		advisor = llmClient
	}

	archive, err := openArchive(ctx, v)
	if err != nil {
		return err
	}

	bot, err := telegram.New(telegram.Config{
		Token:         v.GetString("telegram-token"),
		RatePerSecond: v.GetFloat64("telegram-rate"),
		Burst:         v.GetInt("telegram-burst"),
	})
	if err != nil {
		return err
	}

	rec := reconcile.New(db, advisor)
	codec := xlsx.New(lang)
	opts := []dialog.Option{dialog.WithLanguage(lang)}
	if archive != nil {
		opts = append(opts, dialog.WithArchive(archive))
	}
	engine := dialog.New(db, session.New(db, rec), rec, codec, bot, opts...)

	if addr := v.GetString("addr"); addr != "" {
		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(appI18n.Middleware(lang))
		var hopts []handler.Option
		if archive != nil {
			hopts = append(hopts, handler.WithArchive(archive))
		}
		handler.New(db, rec, codec, hopts...).Routes(r)

		srv := &http.Server{Addr: addr, Handler: r}
		go func() {
			slog.Info("starting operator server", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("operator server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("starting bot",
		"lang", lang,
		"db_driver", v.GetString("db-driver"),
		"blob_driver", v.GetString("blob-driver"),
		"llm", advisor != nil,
	)
	return bot.Run(ctx, engine)
}

func openArchive(ctx context.Context, v *viper.Viper) (storage.BlobStore, error) {
	switch driver := v.GetString("blob-driver"); driver {
	case "", "none":
		return nil, nil
	case "fs":
		fs, err := storage.NewFSStore(v.GetString("blob-path"))
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		return fs, nil
	case "minio":
		m, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			Bucket:    v.GetString("minio-bucket"),
			UseSSL:    v.GetBool("minio-ssl"),
		})
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported blob driver: %s", driver)
	}
}
