package orchestrator

import (
	"crypto/rand"
	"fmt"
)

// Run ids are short URL-safe identifiers, long enough to be unique across a
// single installation's history.
const (
	runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-"
	runIDLength   = 5
)

func newRunID() (string, error) {
	buf := make([]byte, runIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	for i, b := range buf {
		buf[i] = runIDAlphabet[int(b)%len(runIDAlphabet)]
	}
	return string(buf), nil
}
