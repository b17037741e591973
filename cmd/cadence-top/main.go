package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/cadence/internal/top"
	"github.com/zsiec/cadence/pkg/version"
)

func main() {
	var (
		url         string
		interval    time.Duration
		useHTTP3    bool
		insecure    bool
		showVersion bool
	)

	flag.StringVar(&url, "url", "http://localhost:8080", "Base URL of the cadence daemon")
	flag.DurationVar(&interval, "interval", time.Second, "Poll interval")
	flag.BoolVar(&useHTTP3, "http3", false, "Poll over HTTP/3")
	flag.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	client := &http.Client{Timeout: 5 * time.Second}
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure}
	if useHTTP3 {
		rt := &http3.RoundTripper{TLSClientConfig: tlsConfig}
		defer rt.Close()
		client.Transport = rt
	} else {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	model := top.NewModel(top.NewClient(url, client), url, interval)
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cadence-top: %v\n", err)
		os.Exit(1)
	}
}
