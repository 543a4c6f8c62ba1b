package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/uhyunpark/hyperspot/pkg/crypto"
)

// sign-request signs one API call and prints it as a curl command.
//
//	PRIVATE_KEY=0x... sign-request -method POST -path /api/v1/orders \
//	  -body '{"pair":"ES-USD","side":"buy","type":"limit","price":"4750","quantity":"1"}'
//
// Without a key a new one is generated and printed.
func main() {
	var (
		method = flag.String("method", "GET", "HTTP method")
		path   = flag.String("path", "/api/v1/balances", "request path including the query string")
		body   = flag.String("body", "", "JSON request body")
		host   = flag.String("host", "http://localhost:8080", "API base URL")
		key    = flag.String("key", os.Getenv("PRIVATE_KEY"), "hex private key (default $PRIVATE_KEY)")
		ws     = flag.Bool("ws", false, "sign a WebSocket connection instead")
	)
	flag.Parse()

	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if *key != "" {
		signer, err = crypto.FromPrivateKeyHex(*key)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	addr := signer.Address().Hex()
	fmt.Printf("Address: %s\n\n", addr)

	ts := time.Now().UnixMilli()

	// Step 2: Sign
	if *ws {
		sig, err := signer.SignRequest(crypto.WebSocketMessage(ts))
		if err != nil {
			fmt.Printf("Error signing: %v\n", err)
			os.Exit(1)
		}
		wsHost := "ws" + strings.TrimPrefix(*host, "http")
		fmt.Println("Connect within the auth window:")
		fmt.Printf("  %s%s?address=%s&signature=%s&timestamp=%d\n", wsHost, crypto.WebSocketPath, addr, sig, ts)
		return
	}

	hash, err := crypto.HashBody(strings.NewReader(*body))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	msg := crypto.RequestMessage{Method: *method, Path: *path, Timestamp: ts, BodyHash: hash}
	sig, err := signer.SignRequest(msg)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signed message:")
	fmt.Println(string(msg.Text()))
	fmt.Println()

	// Step 3: Show how to submit to API
	fmt.Println("Send within the auth window:")
	fmt.Printf("curl -X %s '%s%s' \\\n", strings.ToUpper(*method), *host, *path)
	fmt.Printf("  -H '%s: %s' \\\n", crypto.HeaderAddress, addr)
	fmt.Printf("  -H '%s: %s' \\\n", crypto.HeaderTimestamp, strconv.FormatInt(ts, 10))
	fmt.Printf("  -H '%s: %s'", crypto.HeaderSignature, sig)
	if *body != "" {
		fmt.Printf(" \\\n  -H 'Content-Type: application/json' \\\n  -d '%s'", *body)
	}
	fmt.Println()
}
