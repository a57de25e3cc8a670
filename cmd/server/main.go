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

	"github.com/spf13/pflag"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/config"
	"retailcore/backend/internal/events"
	"retailcore/backend/internal/httpapi"
	"retailcore/backend/internal/qrsign"
	"retailcore/backend/internal/service"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
	pgstore "retailcore/backend/internal/store/postgres"
)

func main() {
	envFile := pflag.String("env-file", "", "load environment variables from this file first")
	addr := pflag.String("addr", "", "listen address, overrides PORT")
	migrate := pflag.Bool("migrate", false, "apply the embedded schema before serving")
	pflag.Parse()

	cfg := config.Load()
	if *envFile != "" {
		loaded, err := config.LoadFile(*envFile)
		if err != nil {
			log.Fatalf("[server] %v", err)
		}
		cfg = loaded
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("[server] invalid security configuration: %v", err)
	}
	listenAddr := cfg.Address()
	if *addr != "" {
		listenAddr = *addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.LockTimeout())
		if err != nil {
			log.Fatalf("[server] postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if *migrate || cfg.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				log.Fatalf("[server] %v", err)
			}
			log.Println("[server] schema applied")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("[server] repository: postgres")
	} else {
		repo = memory.NewSeeded(memory.WithLockTimeout(cfg.LockTimeout()))
		log.Println("[server] repository: in-memory")
	}

	var catalog service.Catalog = repo
	var scans cache.ScanRegistry
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("[server] redis unavailable (%v), using uncached catalog and in-process scan registry", err)
		} else {
			catalog = service.NewCachedCatalog(repo, redisCache, cfg.CatalogCacheTTLDuration())
			scans = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("[server] cache: redis")
		}
	} else {
		log.Println("[server] cache: none")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaOrderTopic)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		log.Printf("[server] events: kafka topic=%s", cfg.KafkaOrderTopic)
	} else {
		log.Println("[server] events: disabled")
	}

	signer, err := qrsign.NewSigner(cfg.QRSigningSecret)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	svc := service.New(repo, catalog, signer, service.Options{
		StoreCode:             cfg.StoreCode,
		SellerName:            cfg.SellerName,
		VATRegistrationNumber: cfg.VATRegistrationNumber,
		ExitQRValidity:        cfg.ExitQRValidity(),
		Events:                publisher,
		Scans:                 scans,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("[server] retail core listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[server] server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("[server] close error: %v", err)
		}
	}

	log.Println("[server] stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.QRSigningSecret) < 32 {
		return fmt.Errorf("QR_SIGNING_SECRET must be set and at least 32 characters")
	}
	if cfg.QRSigningSecret == cfg.AuthSecret {
		return fmt.Errorf("QR_SIGNING_SECRET must differ from AUTH_SECRET")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
