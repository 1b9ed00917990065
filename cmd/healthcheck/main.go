// Package main is a minimal HTTP health check binary for use in distroless
// containers. It exits 0 when the /health endpoint returns HTTP 200, and 1
// otherwise. Compile with CGO_ENABLED=0 for a fully static binary.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/health"

func main() {
	addr := flag.String("addr", "", "Health endpoint URL (default $THROTTLER_HEALTHCHECK_URL or "+defaultURL+")")
	timeout := flag.Duration("timeout", 3*time.Second, "Request timeout")
	flag.Parse()

	os.Exit(check(resolveURL(*addr), *timeout))
}

func resolveURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("THROTTLER_HEALTHCHECK_URL"); env != "" {
		return env
	}
	return defaultURL
}

func check(url string, timeout time.Duration) int {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
