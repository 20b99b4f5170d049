package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/blockedit/internal/api"
	"github.com/annel0/blockedit/internal/app"
	"github.com/annel0/blockedit/internal/auth"
	"github.com/annel0/blockedit/internal/config"
	"github.com/annel0/blockedit/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или BLOCKEDIT_CONFIG)")
	flag.Parse()

	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка чтения конфигурации: %v", err)
		os.Exit(1)
	}

	logging.Info("🧱 Запуск редактора блоков...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Bootstrap(ctx, cfg, logging.Default())
	if err != nil {
		logging.Error("❌ Ошибка инициализации: %v", err)
		os.Exit(1)
	}

	issuer, err := auth.NewIssuer(cfg.Server.GetJWTSecret(), cfg.Server.GetTokenTTL())
	if err != nil {
		logging.Error("❌ Неверный JWT секрет: %v", err)
		os.Exit(1)
	}
	if cfg.Server.GetJWTSecret() == "" {
		logging.Warn("⚠️ JWT секрет не задан, токены действуют до перезапуска")
	}
	operators := auth.NewOperators()
	for _, op := range cfg.Server.Operators {
		if !auth.IsPasswordHash(op.PasswordHash) {
			logging.Warn("⚠️ У оператора %s в password_hash не bcrypt-хеш, вход невозможен", op.Name)
		}
		operators.Add(auth.Operator{Name: op.Name, PasswordHash: op.PasswordHash, IsAdmin: op.Admin})
	}
	if operators.Len() == 0 {
		logging.Warn("⚠️ Операторы не настроены, административный API недоступен")
	}

	restPort := cfg.Server.GetRESTPort()
	server := api.NewRestServer(api.Config{
		Addr:      fmt.Sprintf(":%d", restPort),
		Service:   rt.Service,
		Issuer:    issuer,
		Operators: operators,
		Registry:  rt.Registry,
		Logger:    logging.Default(),
	})
	server.Start()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 REST API: http://localhost:%d", restPort)
	logging.Info("   ❤️  Health check: http://localhost:%d/health", restPort)
	logging.Info("   📈 Метрики: http://localhost:%d/metrics", restPort)

	<-ctx.Done()
	logging.Info("📡 Получен сигнал, завершение работы...")

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Ошибка остановки REST API: %v", err)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logging.Error("Ошибка остановки сервисов: %v", err)
	}
	logging.Info("👋 Сервер остановлен")
}
