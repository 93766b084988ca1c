// Package main is the drapectl command line client for the Drape API. It
// drives workspace lifecycle and usage reporting from the terminal.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const usageText = `drapectl - Drape workspace control

Usage:
  drapectl [flags] sessions                    list your workspace sessions
  drapectl [flags] warm <projectId> [repoUrl]  pre-warm a project workspace
  drapectl [flags] exec <projectId> <command>  run a command in the workspace
  drapectl [flags] release <projectId>         release a workspace
  drapectl [flags] usage                       show month-to-date AI usage

Flags:
  -url    Drape API base URL (default http://localhost:8080, env DRAPE_URL)
  -user   user ID sent as X-User-ID (default "dev", env DRAPE_USER)
`

type client struct {
	baseURL string
	userID  string
	http    *http.Client
}

func main() {
	urlFlag := flag.String("url", envOr("DRAPE_URL", "http://localhost:8080"), "Drape API base URL")
	userFlag := flag.String("user", envOr("DRAPE_USER", "dev"), "user ID")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		baseURL: *urlFlag,
		userID:  *userFlag,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}

	var err error
	switch args[0] {
	case "sessions":
		err = c.sessions()
	case "warm":
		if len(args) < 2 {
			fatal("warm requires a project id")
		}
		repoURL := ""
		if len(args) > 2 {
			repoURL = args[2]
		}
		err = c.warm(args[1], repoURL)
	case "exec":
		if len(args) < 3 {
			fatal("exec requires a project id and a command")
		}
		err = c.exec(args[1], args[2])
	case "release":
		if len(args) < 2 {
			fatal("release requires a project id")
		}
		err = c.release(args[1])
	case "usage":
		err = c.usage()
	default:
		fatal("unknown command %q", args[0])
	}
	if err != nil {
		fatal("%v", err)
	}
}

func (c *client) sessions() error {
	return c.printJSON(http.MethodGet, "/api/v1/sessions", nil)
}

func (c *client) warm(projectID, repoURL string) error {
	payload := map[string]any{}
	if repoURL != "" {
		payload["repoUrl"] = repoURL
	}
	return c.printJSON(http.MethodPost, "/api/v1/workspaces/"+projectID+"/warm", payload)
}

func (c *client) exec(projectID, command string) error {
	status, body, err := c.do(http.MethodPost, "/api/v1/workspaces/"+projectID+"/exec",
		map[string]any{"command": command})
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("API error (%d): %s", status, body)
	}

	var result struct {
		ExitCode int    `json:"exitCode"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Print(result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

func (c *client) release(projectID string) error {
	status, body, err := c.do(http.MethodDelete, "/api/v1/workspaces/"+projectID, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("API error (%d): %s", status, body)
	}
	fmt.Printf("released %s\n", projectID)
	return nil
}

func (c *client) usage() error {
	status, body, err := c.do(http.MethodGet, "/api/v1/usage", nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("API error (%d): %s", status, body)
	}

	var report struct {
		Plan        string  `json:"plan"`
		LimitEUR    float64 `json:"limitEur"`
		SpentEUR    float64 `json:"spentEur"`
		PercentUsed float64 `json:"percentUsed"`
		Models      []struct {
			Model        string `json:"model"`
			InputTokens  int    `json:"inputTokens"`
			OutputTokens int    `json:"outputTokens"`
			CachedTokens int    `json:"cachedTokens"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("plan: %s\nspent: %.4f EUR of %.2f EUR (%.1f%%)\n",
		report.Plan, report.SpentEUR, report.LimitEUR, report.PercentUsed)
	for _, m := range report.Models {
		fmt.Printf("  %-24s in=%d out=%d cached=%d\n",
			m.Model, m.InputTokens, m.OutputTokens, m.CachedTokens)
	}
	return nil
}

func (c *client) printJSON(method, path string, payload any) error {
	status, body, err := c.do(method, path, payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("API error (%d): %s", status, body)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
		return nil
	}
	fmt.Println(string(body))
	return nil
}

func (c *client) do(method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "drapectl: "+format+"\n", args...)
	os.Exit(1)
}
