package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Trabajadores202/work-flow-connect-23/internal/auth"
	"github.com/Trabajadores202/work-flow-connect-23/internal/broadcast"
	"github.com/Trabajadores202/work-flow-connect-23/internal/gateway"
	"github.com/Trabajadores202/work-flow-connect-23/internal/membership"
	"github.com/Trabajadores202/work-flow-connect-23/internal/messaging"
	"github.com/Trabajadores202/work-flow-connect-23/internal/presence"
	"github.com/Trabajadores202/work-flow-connect-23/internal/ratelimit"
	"github.com/Trabajadores202/work-flow-connect-23/internal/registry"
	"github.com/Trabajadores202/work-flow-connect-23/internal/session"
	"github.com/Trabajadores202/work-flow-connect-23/internal/store"
	"github.com/Trabajadores202/work-flow-connect-23/internal/ws"
)

// serverSender adapts the ws server to the gateway's Sender interface.
type serverSender struct {
	srv *ws.Server
}

func (s *serverSender) Send(connID string, data []byte) error {
	return s.srv.SendMessage(connID, data)
}

func (s *serverSender) Broadcast(data []byte) {
	s.srv.Connections().Broadcast(data)
}

func (s *serverSender) Close(connID string) {
	if c := s.srv.Connections().Get(connID); c != nil {
		s.srv.RemoveConnection(c)
	}
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	gwConfig := gateway.DefaultConfig()
	if v := os.Getenv("AUTH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			gwConfig.AuthTimeout = d
		}
	}
	if v := os.Getenv("PERSIST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			gwConfig.PersistTimeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = "postgres://localhost:5432/workconnect?sslmode=disable"
	}

	// --- Postgres ---
	if err := store.Migrate(databaseURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	pg, err := store.Open(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "gw-1"
	}

	log.Printf("chat gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  auth_timeout:    %s", gwConfig.AuthTimeout)
	log.Printf("  persist_timeout: %s", gwConfig.PersistTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	reg := registry.New()
	members := membership.New(pg)
	caster := broadcast.New(natsClient)
	counter := presence.NewCounter(redisClient)
	publisher := presence.NewPublisher(pg, natsClient, counter)

	// The sender is wired to the server after construction; the gateway only
	// uses it once connections arrive.
	sender := &serverSender{}

	gw := gateway.New(gwConfig, gateway.Deps{
		Registry:    reg,
		Members:     members,
		Broadcaster: caster,
		Presence:    publisher,
		Store:       pg,
		Verifier:    auth.NewJWTVerifier([]byte(jwtSecret)),
		Transport:   natsClient,
		Sender:      sender,
		Sessions:    session.NewStore(redisClient, serverName),
		Limiter:     ratelimit.NewLimiter(redisClient),
	})

	server := ws.NewServer(config, gw.HandleMessage)
	sender.srv = server
	server.SetOnConnect(gw.HandleConnect)
	server.SetOnDisconnect(gw.HandleDisconnect)

	if err := gw.Start(); err != nil {
		log.Fatalf("failed to start gateway: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := pg.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
