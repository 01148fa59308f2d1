package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httplog"
	"github.com/nftauth/gateway/mock"
	"github.com/rs/zerolog"
)

func main() {
	listenAddress := envOr("LISTEN_ADDRESS", ":5000")

	liveRate, err := strconv.ParseFloat(envOr("LIVE_RATE", "0.95"), 64)
	if err != nil {
		log.Fatalf("invalid LIVE_RATE: %v", err)
	}
	delay, err := time.ParseDuration(envOr("LIVENESS_DELAY", "3s"))
	if err != nil {
		log.Fatalf("invalid LIVENESS_DELAY: %v", err)
	}

	var origins []string
	if s := os.Getenv("ALLOWED_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	logger := httplog.NewLogger("backend-mock", httplog.Options{
		LogLevel: zerolog.LevelDebugValue,
	})

	backend, err := mock.New(mock.Options{
		Service:        envOr("SERVICE_NAME", "NFTAuth"),
		LiveRate:       liveRate,
		Delay:          delay,
		AccessKey:      os.Getenv("ACCESS_KEY"),
		AllowedOrigins: origins,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	logger.Info().Str("addr", listenAddress).Msg("-> backend-mock: listening")
	handler := httplog.RequestLogger(logger, []string{"/health"})(backend.Handler())
	if err := http.ListenAndServe(listenAddress, handler); err != nil {
		log.Fatal(err)
	}
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
