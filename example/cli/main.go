package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	vis "github.com/mercedes-benz/vehicle-information-service"
)

func main() {
	url := flag.String("url", "ws://localhost:14430/vis",
		"service endpoint; ws[s]:// for WebSocket, http[s]:// for the SSE connect URL")
	flag.Parse()

	transport, err := newTransport(*url)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	cli := vis.NewClient(transport)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = cli.Connect(ctx)
	cancel()
	if err != nil {
		fmt.Println("Error: failed to connect:", err)
		os.Exit(1)
	}
	defer cli.Close()

	sh, err := newShell(cli)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	fmt.Println("Connected to", *url)
	sh.run()
}

func newTransport(url string) (vis.ClientTransport, error) {
	switch {
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return vis.NewWebSocketClient(url), nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return vis.NewSSEClient(url, &http.Client{}), nil
	default:
		return nil, fmt.Errorf("unsupported url scheme in %q", url)
	}
}
