package main

import (
	"log"
	"net/http"

	"peerchat/internal/config"
	"peerchat/internal/relay"
)

func main() {
	cfg := config.Load()

	srv := relay.NewServer()
	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("[RELAY] listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatal(err)
	}
}
