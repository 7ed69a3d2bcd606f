// Command relayctl drives a relay gateway from the terminal: it streams a
// FLAC file or the default microphone and prints the transcripts it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/echowrite/relay/pkg/jwt"
)

var (
	serverURL string
	token     string
	audioFile string
	useMic    bool
	rawFloat  bool
	fast      bool
	chunkSize time.Duration

	userID    string
	jwtSecret string
)

var rootCmd = &cobra.Command{
	Use:          "relayctl",
	Short:        "Command line client for the transcription relay",
	SilenceUsage: true,
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream audio to the relay and print transcripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if (audioFile == "") == !useMic {
			return fmt.Errorf("exactly one of --file or --mic is required")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		opts := streamOptions{
			URL:   serverURL,
			Token: token,
			Chunk: chunkSize,
			Fast:  fast,
		}
		if useMic {
			return streamMic(ctx, opts)
		}
		return streamFile(ctx, opts, audioFile, rawFloat)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		if jwtSecret == "" {
			return fmt.Errorf("--secret or JWT_SECRET is required")
		}
		tok, err := jwt.Generate(cmd.Context(), userID, jwtSecret)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	streamCmd.Flags().StringVar(&serverURL, "url", "ws://localhost:4000", "Relay base URL")
	streamCmd.Flags().StringVar(&token, "token", os.Getenv("RELAY_TOKEN"), "Bearer token (RELAY_TOKEN)")
	streamCmd.Flags().StringVar(&audioFile, "file", "", "FLAC file to stream")
	streamCmd.Flags().BoolVar(&useMic, "mic", false, "Stream the default microphone")
	streamCmd.Flags().BoolVar(&rawFloat, "raw", false, "Send float32 samples at the file's own rate and let the server resample")
	streamCmd.Flags().BoolVar(&fast, "fast", false, "Send file audio as fast as possible instead of in real time")
	streamCmd.Flags().DurationVar(&chunkSize, "chunk", 100*time.Millisecond, "Duration of each audio chunk")

	tokenCmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token")
	tokenCmd.Flags().StringVar(&jwtSecret, "secret", os.Getenv("JWT_SECRET"), "Signing secret (JWT_SECRET)")

	rootCmd.AddCommand(streamCmd, tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
