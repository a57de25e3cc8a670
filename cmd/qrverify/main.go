// qrverify checks a receipt or exit QR payload offline. The payload is read
// from --file or stdin and verified with the store's signing secret.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"retailcore/backend/internal/qrsign"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var filePath string
	var secret string
	var at string

	flagSet := pflag.NewFlagSet("qrverify", pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.StringVar(&filePath, "file", "", "read the QR payload from this file instead of stdin")
	flagSet.StringVar(&secret, "secret", "", "signing secret (default: $QR_SIGNING_SECRET)")
	flagSet.StringVar(&at, "at", "", "verify as of this RFC 3339 time instead of now")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if secret == "" {
		secret = os.Getenv("QR_SIGNING_SECRET")
	}
	signer, err := qrsign.NewSigner(secret)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if at != "" {
		now, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	raw, err := readPayload(filePath, stdin)
	if err != nil {
		return err
	}

	payload, err := signer.Verify(raw, now)
	if err != nil {
		return fmt.Errorf("qr rejected: %w", err)
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{"valid": true, "payload": payload})
}

func readPayload(filePath string, stdin io.Reader) (string, error) {
	var raw []byte
	var err error
	if filePath != "" {
		raw, err = os.ReadFile(filePath)
	} else {
		raw, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	payload := strings.TrimSpace(string(raw))
	if payload == "" {
		return "", errors.New("empty payload")
	}
	return payload, nil
}
