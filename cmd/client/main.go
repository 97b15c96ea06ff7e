package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:8765", "Transcriber websocket address")
	path := flag.String("path", "/", "Websocket path")
	wavPath := flag.String("file", "", "16 kHz WAV file to stream")
	frameSize := flag.Int("frame-size", 1024, "Samples per frame")
	sampleRate := flag.Int("sample-rate", 16000, "Expected sample rate")
	binary := flag.Bool("binary", false, "Send raw binary frames instead of base64 text")
	linger := flag.Duration("linger", 30*time.Second, "How long to wait for results after STOP")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *wavPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: client -file speech.wav [-addr host:port]")
		os.Exit(2)
	}

	source, err := audio.OpenFileSource(*wavPath, *frameSize, *sampleRate, true)
	if err != nil {
		logger.Error("Failed to open audio file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := url.URL{Scheme: "ws", Host: *addr, Path: *path}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", slog.String("url", u.String()), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("Connected",
		slog.String("url", u.String()),
		slog.Int("frames", source.Frames()))

	g, gctx := errgroup.WithContext(ctx)

	// Results are printed until the server closes the connection
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read result: %w", err)
			}

			msg, err := protocol.UnmarshalResult(data)
			if err != nil {
				logger.Warn("Unexpected message", slog.String("error", err.Error()))
				continue
			}
			fmt.Printf("[%s] %s\n", msg.Time, msg.TranslatedText)
		}
	})

	g.Go(func() error {
		err := source.Run(gctx, func(frame audio.Frame) error {
			if *binary {
				return conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSamples(frame))
			}
			return conn.WriteMessage(websocket.TextMessage, protocol.EncodeFrame(frame))
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("send audio: %w", err)
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.StopSentinel)); err != nil {
			return fmt.Errorf("send stop: %w", err)
		}
		logger.Info("Audio sent, waiting for results", slog.Duration("linger", *linger))

		select {
		case <-gctx.Done():
		case <-time.After(*linger):
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Client failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
