package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"coderunner/internal/api"
	"coderunner/internal/auth"
	"coderunner/internal/history"
	"coderunner/internal/run"
)

// exitError carries a non-zero exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type options struct {
	serverURL string
	token     string
	language  string
	fileName  string
}

func main() {
	err := newRootCmd().Execute()
	var ee exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "coderunner",
		Short:         "CLI client for the coderunner execution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("CODERUNNER_URL", "http://localhost:3000"), "Server URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CODERUNNER_TOKEN"), "Bearer token (empty runs as guest)")

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Evaluate code in-process and print the buffered output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _, err := readSource(cmd, args)
			if err != nil {
				return err
			}
			return runBuffered(cmd, opts, code)
		},
	}
	runCmd.Flags().StringVarP(&opts.language, "language", "l", "javascript", "Language")
	root.AddCommand(runCmd)

	streamCmd := &cobra.Command{
		Use:   "stream [file]",
		Short: "Run code as a child process and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, name, err := readSource(cmd, args)
			if err != nil {
				return err
			}
			if opts.fileName == "" {
				opts.fileName = name
			}
			return runStream(cmd, opts, code)
		},
	}
	streamCmd.Flags().StringVarP(&opts.language, "language", "l", "javascript", "Language")
	streamCmd.Flags().StringVar(&opts.fileName, "name", "", "File name shown in history")
	root.AddCommand(streamCmd)

	root.AddCommand(newHistoryCmd(opts))

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doJSON(cmd, opts, http.MethodGet, "/health", nil)
		},
	})

	var secret, issuer string
	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a bearer token for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := auth.NewJWTVerifier(secret, issuer)
			if err != nil {
				return err
			}
			tok, err := v.Issue(auth.Principal(args[0]), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "Signing secret")
	tokenCmd.Flags().StringVar(&issuer, "issuer", "coderunner", "Token issuer")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	root.AddCommand(tokenCmd)

	return root
}

func newHistoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage run history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List history entries, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := request(opts, http.MethodGet, "/api/history", nil)
			if err != nil {
				return err
			}
			var resp api.HistoryResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			printHistory(cmd.OutOrStdout(), resp.Entries)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := request(opts, http.MethodDelete, "/api/history/"+url.PathEscape(args[0]), nil)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every history entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := request(opts, http.MethodDelete, "/api/history", nil)
			return err
		},
	})

	return cmd
}

func runBuffered(cmd *cobra.Command, opts *options, code string) error {
	payload, _ := json.Marshal(api.RunRequest{Code: code, Language: opts.language})
	body, err := request(opts, http.MethodPost, "/api/run", payload)
	if err != nil {
		return err
	}

	var resp api.RunResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, l := range resp.Logs {
		switch l.Stream {
		case run.Error, run.Warn, run.Stderr:
			fmt.Fprintln(errOut, l.Text)
		default:
			fmt.Fprintln(out, l.Text)
		}
	}
	if !resp.Success {
		fmt.Fprintln(errOut, resp.Error)
		return exitError{code: 1}
	}
	return nil
}

func runStream(cmd *cobra.Command, opts *options, code string) error {
	u, err := url.Parse(opts.serverURL)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.ClientMessage{
		Type:     api.MsgRun,
		Code:     code,
		Language: opts.language,
		FileName: opts.fileName,
	}); err != nil {
		return fmt.Errorf("sending run: %w", err)
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for {
		var msg api.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		switch msg.Type {
		case api.MsgInfo:
			fmt.Fprintln(errOut, msg.Content)
		case api.MsgLog:
			fmt.Fprintln(out, msg.Content)
		case api.MsgError:
			fmt.Fprintln(errOut, msg.Content)
		case api.MsgComplete:
			if msg.Warning != "" {
				fmt.Fprintln(errOut, msg.Warning)
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			switch {
			case msg.ExitCode == nil:
				return exitError{code: 1}
			case *msg.ExitCode != 0:
				return exitError{code: *msg.ExitCode}
			}
			return nil
		}
	}
}

func doJSON(cmd *cobra.Command, opts *options, method, path string, payload []byte) error {
	body, err := request(opts, method, path, payload)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), buf.String())
	return nil
}

// request performs an API call and returns the body of a 2xx response.
func request(opts *options, method, path string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(opts.serverURL, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return body, nil
}

func printHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  %-20s exit=%d  %dms\n",
			e.ID, e.Timestamp.Format(time.RFC3339), e.FileName, e.ExitCode, e.ExecutionTimeMs)
	}
}

// readSource reads code from the named file, or from stdin when none is given.
func readSource(cmd *cobra.Command, args []string) (code, name string, err error) {
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), "", nil
	}
	data, err := os.ReadFile(filepath.Clean(args[0]))
	if err != nil {
		return "", "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), filepath.Base(args[0]), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
