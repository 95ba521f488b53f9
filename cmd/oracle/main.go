// Command oracle runs the standalone CloakPoll decryption oracle.
//
// The oracle generates a fresh threshold Paillier key at startup and serves
// it on GET /key for survey services to fetch. Submitted ciphertexts are
// decrypted with the key shares and delivered to the configured callback URL,
// either on the delivery interval or when POST /deliver is invoked.
//
// # Usage
//
//	go run ./cmd/oracle --callback=http://localhost:8080/callback
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloakpoll/cloakpoll/api/httpserver"
	"github.com/cloakpoll/cloakpoll/cmd/common"
	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/oracle"
	"github.com/cloakpoll/cloakpoll/services"
)

func main() {
	var (
		addr            = flag.String("addr", ":8090", "HTTP listen address")
		metricsAddr     = flag.String("metrics-addr", "", "metrics listen address (disabled if empty)")
		callbackURL     = flag.String("callback", "", "survey service callback URL")
		signingKeyHex   = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		paillierBits    = flag.Int("paillier-bits", 512, "threshold Paillier key size in bits")
		shares          = flag.Int("shares", 3, "number of threshold key shares")
		threshold       = flag.Int("threshold", 2, "shares required to decrypt")
		deliverInterval = flag.Duration("deliver-interval", 5*time.Second, "callback delivery interval (0 disables the loop)")
		debug           = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := common.NewLogger(*debug)

	if *callbackURL == "" {
		fmt.Println("Error: --callback is required")
		os.Exit(1)
	}

	signingKey, err := common.LoadOrGenerateSigningKey(*signingKeyHex)
	if err != nil {
		fmt.Printf("Signing key error: %v\n", err)
		os.Exit(1)
	}

	log.Info("generating threshold paillier key", "bits", *paillierBits, "shares", *shares, "threshold", *threshold)
	keyShares, scheme, err := crypto.GeneratePaillierKey(*paillierBits, uint8(*shares), uint8(*threshold))
	if err != nil {
		fmt.Printf("Key generation error: %v\n", err)
		os.Exit(1)
	}

	orc, err := oracle.New(scheme.PublicKey(), keyShares, signingKey, log)
	if err != nil {
		fmt.Printf("Create oracle error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Oracle public key: %s\n", orc.PublicKey().String())

	oracleService, err := services.NewOracleService(orc, *callbackURL, log)
	if err != nil {
		fmt.Printf("Create oracle service error: %v\n", err)
		os.Exit(1)
	}
	oracleService.DeliverInterval = *deliverInterval

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             60 * time.Second,
	}, oracleService)
	if err != nil {
		fmt.Printf("Create server error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracleService.Start(ctx)
	server.RunInBackground()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	server.Shutdown()
}
