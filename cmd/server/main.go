// Command server runs the CloakPoll survey service.
//
// The service owns the survey registry, the decryption-request ledger, and
// the aggregation engine. Encrypted aggregates are submitted to a remote
// decryption oracle; the oracle delivers cleartexts back on POST /callback.
//
// At startup the service fetches the oracle's key material from its /key
// endpoint: the threshold Paillier public key for homomorphic aggregation and
// the Ed25519 key that verifies decryption proofs.
//
// # Usage
//
//	go run ./cmd/server --oracle=http://localhost:8090 --jwt-secret=changeme
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloakpoll/cloakpoll/aggregation"
	"github.com/cloakpoll/cloakpoll/api/httpserver"
	"github.com/cloakpoll/cloakpoll/cmd/common"
	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/ledger"
	"github.com/cloakpoll/cloakpoll/protocol"
	"github.com/cloakpoll/cloakpoll/registry"
	"github.com/cloakpoll/cloakpoll/services"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr  = flag.String("metrics-addr", "", "metrics listen address (disabled if empty)")
		oracleURL    = flag.String("oracle", "", "decryption oracle base URL")
		jwtSecret    = flag.String("jwt-secret", "", "secret for creator bearer tokens")
		ownerKeyHex  = flag.String("owner-key", "", "system owner Ed25519 public key (hex, generates a throwaway owner if empty)")
		timeout      = flag.Duration("decryption-timeout", time.Hour, "pending decryption request timeout")
		corsOrigins  = flag.String("cors-origins", "", "comma-separated allowed CORS origins")
		enablePprof  = flag.Bool("pprof", false, "enable pprof debug endpoints")
		pgHost       = flag.String("pg-host", "", "PostgreSQL host (in-memory archive if empty)")
		pgPort       = flag.Int("pg-port", 5432, "PostgreSQL port")
		pgUser       = flag.String("pg-user", "cloakpoll", "PostgreSQL user")
		pgPassword   = flag.String("pg-password", "", "PostgreSQL password")
		pgDatabase   = flag.String("pg-database", "cloakpoll", "PostgreSQL database")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := common.NewLogger(*debug)

	if *oracleURL == "" {
		fmt.Println("Error: --oracle is required")
		os.Exit(1)
	}
	if *jwtSecret == "" {
		fmt.Println("Error: --jwt-secret is required")
		os.Exit(1)
	}

	ownerKey, err := loadOwnerKey(*ownerKeyHex)
	if err != nil {
		fmt.Printf("Owner key error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Owner public key: %s\n", ownerKey.String())

	paillierKey, oracleSigningKey, err := common.FetchOracleKey(*oracleURL)
	if err != nil {
		fmt.Printf("Error fetching oracle key: %v\n", err)
		os.Exit(1)
	}

	scheme, err := crypto.NewPaillierScheme(paillierKey)
	if err != nil {
		fmt.Printf("Scheme error: %v\n", err)
		os.Exit(1)
	}

	cfg := protocol.DefaultConfig()
	cfg.DecryptionTimeout = *timeout

	reg, err := registry.New(cfg, ownerKey, registry.WithLogger(log))
	if err != nil {
		fmt.Printf("Create registry error: %v\n", err)
		os.Exit(1)
	}

	ldg, err := ledger.New(cfg, reg, ledger.WithLogger(log))
	if err != nil {
		fmt.Printf("Create ledger error: %v\n", err)
		os.Exit(1)
	}

	backend := services.NewHTTPBackend(*oracleURL, oracleSigningKey)
	engine, err := aggregation.NewEngine(cfg, scheme, backend, ldg, reg, aggregation.WithLogger(log))
	if err != nil {
		fmt.Printf("Create engine error: %v\n", err)
		os.Exit(1)
	}

	var archive services.Archive
	if *pgHost != "" {
		pgArchive, err := services.NewPostgresArchive(&services.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			User:     *pgUser,
			Password: *pgPassword,
			Database: *pgDatabase,
		})
		if err != nil {
			fmt.Printf("Postgres error: %v\n", err)
			os.Exit(1)
		}
		defer pgArchive.Close()
		archive = pgArchive
	}

	svc, err := services.NewService(&services.ServiceConfig{
		Config:    cfg,
		JWTSecret: []byte(*jwtSecret),
		TokenTTL:  24 * time.Hour,
	}, reg, engine, ldg, archive, log)
	if err != nil {
		fmt.Printf("Create service error: %v\n", err)
		os.Exit(1)
	}

	var origins []string
	if *corsOrigins != "" {
		origins = strings.Split(*corsOrigins, ",")
	}

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		EnablePprof:              *enablePprof,
		AllowedOrigins:           origins,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, svc)
	if err != nil {
		fmt.Printf("Create server error: %v\n", err)
		os.Exit(1)
	}

	server.RunInBackground()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	server.Shutdown()
}

func loadOwnerKey(hexKey string) (crypto.PublicKey, error) {
	if hexKey != "" {
		return crypto.NewPublicKeyFromString(hexKey)
	}
	pub, _, err := crypto.GenerateKeyPair()
	return pub, err
}
