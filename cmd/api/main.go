package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/config"
	"anonchat.org/internal/httpapi"
	"anonchat.org/internal/hub"
	"anonchat.org/internal/identity"
	"anonchat.org/internal/obs"
	"anonchat.org/internal/store/pg"
	"anonchat.org/internal/token"
	"anonchat.org/internal/ws"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := config.Load()

	// Stores: Postgres when a DSN is set, in-memory otherwise.
	var (
		users identity.Store
		store chat.Store
		probe httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		users = pgStore
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Println("no ANONCHAT_PG_DSN set, using in-memory stores")
		mem := identity.NewInMemory()
		users = mem
		store = chat.NewInMemory(mem)
	}

	tokens, err := token.NewService(cfg.JWTSecret,
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	registry := hub.NewRegistry()
	wsHandler := ws.NewHandler(ws.Config{
		DevMode:     cfg.DevMode,
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}, registry, tokens, users, store)

	api := httpapi.New(httpapi.Config{
		Ready:          probe,
		Version:        version,
		Tokens:         tokens,
		Users:          users,
		Store:          store,
		DevMode:        cfg.DevMode,
		BotToken:       cfg.BotToken,
		AllowedOrigins: cfg.AllowedOrigins,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     cfg.RatePerSec,
	})

	// The socket endpoint bypasses the REST middleware chain: its auth
	// happens in-protocol and the wrapped writers would break the upgrade.
	root := http.NewServeMux()
	root.Handle("/ws", wsHandler)
	root.Handle("/", api.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(probe).Register(grpcSrv)
		go func() {
			log.Printf("gRPC health on %s", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting anonchat-api %s on %s (env=%s)", version, srv.Addr, cfg.Env)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Println("Stopped")
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
