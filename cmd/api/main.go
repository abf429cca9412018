package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiflow/internal/config"
	"github.com/nemonet1337/zaiflow/pkg/production"
	"github.com/nemonet1337/zaiflow/pkg/production/storage"
)

// backend is a store that also serves the product catalog
type backend interface {
	production.Storage
	production.Catalog
}

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	registry, err := config.LoadRegistry(cfg.Registry.Path)
	if err != nil {
		logger.Fatal("部門レジストリの読み込みに失敗しました", zap.Error(err))
	}

	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatal("ストレージの初期化に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// 生産マネージャー初期化
	manager := production.NewManager(store, store, production.NewZapEventPublisher(logger), logger, registry)
	if cfg.API.EnableMetrics {
		manager.SetMetrics(production.NewMetrics(prometheus.DefaultRegisterer))
	}

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, store, logger)
	router := setupRouter(handlers, cfg.API)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("生産管理APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Storage.Driver),
			zap.Int("departments", len(registry.Departments)),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openStorage connects the configured storage driver
// 設定されたストレージに接続
func openStorage(cfg *config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("メモリストレージを使用します。再起動するとデータは失われます")
		return storage.NewMemoryStorage(), nil
	default:
		return storage.NewPostgreSQLStorage(cfg.DSN(), storage.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
	}
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, apiCfg config.APIConfig) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 部品表展開・スケジュール
	api.HandleFunc("/bom/explode", handlers.ExplodeBOM).Methods("POST")
	api.HandleFunc("/schedules", handlers.Schedule).Methods("POST")

	// 作業指示
	api.HandleFunc("/work-orders/{workOrderId}", handlers.GetWorkOrder).Methods("GET")
	api.HandleFunc("/work-orders/{workOrderId}/readiness", handlers.GetReadiness).Methods("GET")
	api.HandleFunc("/work-orders/{workOrderId}/start", handlers.StartWorkOrder).Methods("POST")
	api.HandleFunc("/work-orders/{workOrderId}/advance", handlers.AdvanceWorkOrder).Methods("POST")
	api.HandleFunc("/work-orders/{workOrderId}/target", handlers.ReviseTarget).Methods("POST")
	api.HandleFunc("/work-orders/{workOrderId}/allocate", handlers.AllocateMaterials).Methods("POST")

	// 材料債務
	api.HandleFunc("/debts", handlers.ListOpenDebts).Methods("GET")
	api.HandleFunc("/debts/{debtId}/settle", handlers.SettleDebt).Methods("POST")
	api.HandleFunc("/debts/{debtId}/write-off", handlers.WriteOffDebt).Methods("POST")
	api.HandleFunc("/debts/{debtId}/risk", handlers.ReassessDebtRisk).Methods("POST")
	api.HandleFunc("/receipts", handlers.AutoSettle).Methods("POST")

	// 引き渡し
	api.HandleFunc("/transfers", handlers.CreateTransfer).Methods("POST")
	api.HandleFunc("/transfers/{transferId}", handlers.GetTransfer).Methods("GET")
	api.HandleFunc("/transfers/{transferId}/retry", handlers.RetryTransfer).Methods("POST")
	api.HandleFunc("/transfers/{transferId}/accept", handlers.AcceptTransfer).Methods("POST")
	api.HandleFunc("/transfers/{transferId}/cancel", handlers.CancelTransfer).Methods("POST")

	// ライン
	api.HandleFunc("/lines/{dept}/{line}", handlers.GetLine).Methods("GET")
	api.HandleFunc("/lines/{dept}/{line}/clearance", handlers.AcknowledgeClearance).Methods("POST")
	api.HandleFunc("/lines/{dept}/{line}/pause", handlers.PauseLine).Methods("POST")
	api.HandleFunc("/lines/{dept}/{line}/resume", handlers.ResumeLine).Methods("POST")

	// 在庫
	api.HandleFunc("/stock", handlers.ReceiveStock).Methods("POST")
	api.HandleFunc("/stock/{productId}/{locationId}", handlers.GetStock).Methods("GET")
	api.HandleFunc("/stock/{productId}/{locationId}/lots", handlers.ListLots).Methods("GET")

	// マスタ
	api.HandleFunc("/catalog/products", handlers.RegisterProduct).Methods("POST")
	api.HandleFunc("/catalog/boms", handlers.RegisterBOM).Methods("POST")

	if apiCfg.EnableCORS {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	router.Use(actorMiddleware)

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// actorMiddleware stores the X-User-ID header as the acting user
// X-User-IDヘッダーを操作ユーザーとして設定
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := production.WithActor(r.Context(), r.Header.Get("X-User-ID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("user_id", production.ActorFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
