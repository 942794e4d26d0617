// Command raftclient sends one work request to a cluster described by a
// servers.conf file, trying each server in turn and taking the first
// non-redirect reply; servers after that one are not contacted
// (spec.md §6).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ReshiAdavan/raftcoordinator/internal/dispatcher"
)

var (
	serversConfPath string
	metaPath        string
	payloadPath     string
	requestTimeout  time.Duration
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raftclient",
		Short: "Send one work request to a Raft-coordinated cluster",
		RunE:  runClient,
	}
	cmd.Flags().StringVar(&serversConfPath, "servers", "servers.conf", "file listing one host:port per line")
	cmd.Flags().StringVar(&metaPath, "meta", "", "path to the request metadata file")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "path to the request payload file")
	cmd.Flags().DurationVar(&requestTimeout, "timeout", 5*time.Second, "per-server request timeout")
	cmd.MarkFlagRequired("meta")
	cmd.MarkFlagRequired("payload")
	return cmd
}

func runClient(cmd *cobra.Command, args []string) error {
	servers, err := readServersConf(serversConfPath)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return errors.Errorf("%s lists no servers", serversConfPath)
	}

	meta, err := os.ReadFile(metaPath)
	if err != nil {
		return errors.Wrap(err, "read metadata file")
	}
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return errors.Wrap(err, "read payload file")
	}

	// A distinct client identifier per invocation; carried only for
	// observability (dispatcher requests are not deduplicated — that is
	// kvdemo's concern, not the production wire protocol's).
	requestID := uuid.NewString()

	var lastRedirect string
	for _, addr := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp, err := dispatcher.Request(ctx, addr, meta, payload)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "request %s to %s failed: %v\n", requestID, addr, err)
			continue
		}
		if resp.Redirect {
			lastRedirect = resp.NotLeaderID
			continue
		}
		os.Stdout.Write(resp.Body)
		return nil
	}

	if lastRedirect != "" {
		return errors.Errorf("no server accepted the request; last redirect pointed to %s", lastRedirect)
	}
	return errors.New("no server accepted the request")
}

func readServersConf(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open servers file")
	}
	defer f.Close()

	var servers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		servers = append(servers, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan servers file")
	}
	return servers, nil
}
