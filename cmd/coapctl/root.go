// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mcoap/pkg/message"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	timeout       time.Duration
	verbose       bool
	insecure      bool
	nonConfirm    bool
	contentFormat string
	payload       string
	payloadFile   string
	observeCount  int
)

var rootCmd = &cobra.Command{
	Use:   "coapctl",
	Short: "CoAP command line client",
	Long: `coapctl sends requests to CoAP servers over UDP (coap://), TCP
(coap+tcp://) and TLS (coaps+tcp://) and prints the responses.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var getCmd = &cobra.Command{
	Use:   "get <uri>",
	Short: "Fetch a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd, message.GET, args[0])
	},
}

var postCmd = &cobra.Command{
	Use:   "post <uri>",
	Short: "Post a payload to a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd, message.POST, args[0])
	},
}

var putCmd = &cobra.Command{
	Use:   "put <uri>",
	Short: "Replace a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd, message.PUT, args[0])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <uri>",
	Short: "Delete a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd, message.DELETE, args[0])
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover <uri>",
	Short: "List the resources of a server",
	Long: `Fetches /.well-known/core of the server named by uri. A query in uri
filters the links, as in coap://host/?rt=temperature.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := parseURI(args[0])
		if err != nil {
			return err
		}
		u.Path = "/.well-known/core"
		return request(cmd, message.GET, u.String())
	},
}

var observeCmd = &cobra.Command{
	Use:   "observe <uri>",
	Short: "Observe a resource until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return observe(cmd, args[0])
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <uri>",
	Short: "Check that a server is alive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := parseURI(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		c, err := dial(ctx, u, insecure, logger(cmd))
		if err != nil {
			return err
		}
		defer c.close()

		start := time.Now()
		if err := c.ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", u.Host, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 100*time.Second, "Time to wait for a response")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolVarP(&nonConfirm, "non", "N", false, "Send non-confirmable requests")

	for _, c := range []*cobra.Command{postCmd, putCmd} {
		c.Flags().StringVarP(&payload, "payload", "p", "", "Request payload")
		c.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the payload from a file, - for stdin")
		c.Flags().StringVarP(&contentFormat, "content-format", "c", "", "Content format: text, link, json, cbor, octets or a number")
	}
	observeCmd.Flags().IntVarP(&observeCount, "count", "n", 0, "Stop after this many notifications, 0 for no limit")

	rootCmd.AddCommand(getCmd, postCmd, putCmd, deleteCmd, discoverCmd, observeCmd, pingCmd)
}

func logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func readPayload(cmd *cobra.Command) ([]byte, error) {
	switch payloadFile {
	case "":
		return []byte(payload), nil
	case "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(payloadFile)
	}
}

func parseContentFormat(s string) (uint32, bool, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, false, nil
	case "text":
		return message.TextPlain, true, nil
	case "link":
		return message.AppLinkFormat, true, nil
	case "json":
		return message.AppJSON, true, nil
	case "cbor":
		return message.AppCBOR, true, nil
	case "octets":
		return message.AppOctets, true, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false, fmt.Errorf("invalid content format %q", s)
	}
	return uint32(v), true, nil
}

func request(cmd *cobra.Command, code message.Code, raw string) error {
	u, err := parseURI(raw)
	if err != nil {
		return err
	}
	body, err := readPayload(cmd)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	cf, hasCF, err := parseContentFormat(contentFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	c, err := dial(ctx, u, insecure, logger(cmd))
	if err != nil {
		return err
	}
	defer c.close()

	req := newRequest(code, u, body)
	if hasCF {
		req.Options.SetUint(message.ContentFormat, cf)
	}
	if nonConfirm {
		req.Type = message.NonConfirmable
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	printResponse(cmd.OutOrStdout(), resp)
	return nil
}

func observe(cmd *cobra.Command, raw string) error {
	u, err := parseURI(raw)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := dial(dialCtx, u, insecure, logger(cmd))
	if err != nil {
		return err
	}
	defer c.close()

	req := newRequest(message.GET, u, nil)
	req.Options.SetUint(message.Observe, 0)
	token, err := c.send(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for n := 0; observeCount == 0 || n < observeCount; n++ {
		resp, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		printResponse(out, resp)
		if _, ok := resp.Options.Observe(); !ok {
			// The server did not register the observation.
			return nil
		}
	}

	cancelCtx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()
	if err := c.cancelObserve(cancelCtx, token); err != nil {
		return err
	}
	if _, err := c.next(cancelCtx); err != nil {
		return fmt.Errorf("failed to cancel observation: %w", err)
	}
	return nil
}
