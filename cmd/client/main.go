// Package main implements a small CLI for the node's HTTP API.
//
// Usage:
//
//	client -addr http://localhost:8080 get <key>
//	client -addr http://localhost:8080 put <key> <value>
//	client -addr http://localhost:8080 del <key>
//	client -addr http://localhost:8080 state
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "node API address")
	flag.Parse()

	if err := run(*addr, flag.Args()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command (get|put|del|state)")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		return do(client, http.MethodGet, addr+"/kv/"+args[1], "")
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		return do(client, http.MethodPut, addr+"/kv/"+args[1], args[2])
	case "del":
		if len(args) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		return do(client, http.MethodDelete, addr+"/kv/"+args[1], "")
	case "state":
		return do(client, http.MethodGet, addr+"/admin/state", "")
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func do(client *http.Client, method, url, body string) error {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		if leader := resp.Header.Get("X-Raft-Leader"); leader != "" && leader != "0" {
			return fmt.Errorf("%s (leader is server %s)", strings.TrimSpace(string(out)), leader)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	if len(out) > 0 {
		fmt.Println(strings.TrimSpace(string(out)))
	}
	return nil
}
