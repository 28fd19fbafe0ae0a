// Command brainstub is a local stand-in for the dialog brain. It answers
// every transcription with a canned reply and requests a transfer when the
// caller names a known department.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/basita512/Conversational-IVR/internal/config"
	"github.com/basita512/Conversational-IVR/internal/observability/logging"
	"github.com/basita512/Conversational-IVR/internal/service/brain"
	"github.com/basita512/Conversational-IVR/internal/service/reply"
)

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	path := flag.String("path", "/test/transcription", "Transcription endpoint path")
	wavFile := flag.String("wav", "", "WAV file attached to every reply (optional)")
	flag.Parse()

	logging.Init(logging.Config{Level: "debug", Format: "console"})

	var wav []byte
	if *wavFile != "" {
		b, err := os.ReadFile(*wavFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", *wavFile).Msg("Failed to read reply audio")
		}
		wav = b
	}

	labels := make([]string, 0, len(config.DefaultTargets()))
	for label := range config.DefaultTargets() {
		labels = append(labels, label)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post(*path, newHandler(labels, wav))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", *addr).Str("path", *path).Strs("targets", labels).Msg("Brain stub listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Brain stub failed")
	}
}

// newHandler answers with a multipart reply. A transcription mentioning one
// of labels is answered with a transfer to it.
func newHandler(labels []string, wav []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req brain.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		log.Info().Str("callId", req.CallUUID).Str("text", req.Transcription).Msg("Transcription received")

		payload := reply.Payload{
			Status:      "success",
			LLMResponse: "I heard: " + req.Transcription,
		}
		if target := matchTarget(req.Transcription, labels); target != "" {
			payload.LLMResponse = "Connecting you to " + target + "."
			payload.Transfer = &reply.Transfer{Request: true, Target: target}
		}

		var body bytes.Buffer
		contentType, err := reply.Encode(&body, "", payload, wav, reply.DefaultAudioFilename)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode reply")
			http.Error(w, "encode reply", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body.Bytes())
	}
}

func matchTarget(text string, labels []string) string {
	lower := strings.ToLower(text)
	for _, label := range labels {
		if strings.Contains(lower, label) {
			return label
		}
	}
	return ""
}
