// Command audioclient plays a WAV file into the orchestrator the way
// FreeSWITCH mod_audio_stream does: a metadata text frame followed by
// paced binary PCM frames.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/basita512/Conversational-IVR/internal/observability/logging"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 16kHz 16-bit mono = 32000 bytes/second, so 20ms frames are 640 bytes.
const (
	frameSize       = 640
	frameIntervalMs = 20
)

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	serverURL := flag.String("server", "ws://localhost:8089/", "Orchestrator websocket URL")
	callID := flag.String("call", "test-call-"+time.Now().Format("150405"), "Call ID sent in the metadata frame")
	realtime := flag.Bool("realtime", true, "Pace frames at wall-clock speed")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatal().Err(err).Msg("Failed to read WAV header")
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal().Msg("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Info().
		Uint16("format", audioFormat).
		Uint16("channels", numChannels).
		Uint32("sampleRate", sampleRate).
		Uint16("bitsPerSample", bitsPerSample).
		Msg("WAV file")

	if audioFormat != 1 { // PCM
		log.Fatal().Msg("Only PCM format supported")
	}
	if sampleRate != 16000 || numChannels != 1 || bitsPerSample != 16 {
		log.Warn().Msg("Expected 16kHz 16-bit mono, transcription quality may suffer")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverURL).Msg("Failed to connect")
	}
	defer conn.Close()

	// The server closes the connection when the call is transferred or
	// hung up; report it and stop streaming.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Info().Err(err).Msg("Server closed the stream")
				return
			}
		}
	}()

	meta, _ := json.Marshal(map[string]string{"call_id": *callID})
	if err := conn.WriteMessage(websocket.TextMessage, append([]byte("raw "), meta...)); err != nil {
		log.Fatal().Err(err).Msg("Failed to send metadata")
	}
	log.Info().Str("callId", *callID).Str("server", *serverURL).Msg("Streaming audio")

	frame := make([]byte, frameSize)
	var totalBytes int64
	var frames int
	start := time.Now()

stream:
	for {
		n, err := io.ReadFull(f, frame)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, frame[:n]); werr != nil {
				log.Warn().Err(werr).Msg("Failed to send frame")
				break
			}
			frames++
			totalBytes += int64(n)
			if frames%250 == 0 {
				log.Info().Int("frames", frames).Int64("bytes", totalBytes).Msg("Sent audio")
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Fatal().Err(err).Msg("Failed to read audio")
			}
			break
		}
		if *realtime {
			select {
			case <-closed:
				break stream
			case <-time.After(frameIntervalMs * time.Millisecond):
			}
		}
	}

	log.Info().Int("frames", frames).Int64("bytes", totalBytes).Dur("elapsed", time.Since(start)).Msg("Finished streaming")

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
	}
}
