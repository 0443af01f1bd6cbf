package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	timeout    string
	scriptID   string
	scriptName string
	watchExec  string
	kindsFlag  string
	statusFlag string
	reviewer   string
)

func main() {
	root := &cobra.Command{
		Use:   "scriptflow-cli",
		Short: "CLI client for the scriptflow execution engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SCRIPTFLOW_API_KEY"), "API key")

	// Submit command
	submitCmd := &cobra.Command{
		Use:   "submit [code]",
		Short: "Submit a script for execution (reads stdin if no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout (e.g. 10s)")
	submitCmd.Flags().StringVar(&scriptID, "script-id", "", "Script identifier")
	submitCmd.Flags().StringVar(&scriptName, "script-name", "", "Script display name")
	root.AddCommand(submitCmd)

	// Submit from file
	submitFileCmd := &cobra.Command{
		Use:   "submit-file [file]",
		Short: "Submit a script from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitFile,
	}
	submitFileCmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout (e.g. 10s)")
	submitFileCmd.Flags().StringVar(&scriptID, "script-id", "", "Script identifier")
	submitFileCmd.Flags().StringVar(&scriptName, "script-name", "", "Script display name")
	root.AddCommand(submitFileCmd)

	// Get one execution
	root.AddCommand(&cobra.Command{
		Use:   "get [execution-id]",
		Short: "Fetch an execution by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/executions/" + args[0])
		},
	})

	// List executions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&scriptID, "script-id", "", "Filter by script ID")
	root.AddCommand(listCmd)

	// Cancel
	root.AddCommand(&cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel a queued or running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	})

	// Watch event stream
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle events (SSE)",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchExec, "execution-id", "", "Only events for this execution")
	watchCmd.Flags().StringVar(&kindsFlag, "kinds", "", "Comma-separated event kinds")
	root.AddCommand(watchCmd)

	// Quarantine
	quarantineCmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and review quarantined code",
	}
	quarantineCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List quarantine records",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/quarantine")
		},
	})
	quarantineCmd.AddCommand(&cobra.Command{
		Use:   "get [record-id]",
		Short: "Fetch a quarantine record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/quarantine/" + args[0])
		},
	})
	reviewCmd := &cobra.Command{
		Use:   "review [record-id]",
		Short: "Mark a quarantine record as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVar(&reviewer, "by", "", "Reviewer name (required)")
	reviewCmd.MarkFlagRequired("by")
	quarantineCmd.AddCommand(reviewCmd)
	root.AddCommand(quarantineCmd)

	// Security metrics
	root.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Show the current security metrics snapshot",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/security/metrics/current")
		},
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := http.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			return printBody(resp.Body)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return submitCode(code)
}

func runSubmitFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	if scriptName == "" {
		scriptName = args[0]
	}
	return submitCode(string(data))
}

func submitCode(code string) error {
	payload := map[string]any{
		"code": code,
	}
	if scriptID != "" {
		payload["script_id"] = scriptID
	}
	if scriptName != "" {
		payload["script_name"] = scriptName
	}
	if timeout != "" {
		payload["timeout"] = timeout
	}

	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+"/executions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := printBody(resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	path := "/executions"
	var params []string
	if statusFlag != "" {
		params = append(params, "status="+statusFlag)
	}
	if scriptID != "" {
		params = append(params, "script_id="+scriptID)
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	return getJSON(path)
}

func runCancel(_ *cobra.Command, args []string) error {
	req, err := http.NewRequest("DELETE", serverURL+"/executions/"+args[0], nil)
	if err != nil {
		return err
	}
	setAuth(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp.Body)
}

func runReview(_ *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]string{"reviewed_by": reviewer})

	req, err := http.NewRequest("POST", serverURL+"/quarantine/"+args[0]+"/review", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp.Body)
}

// runWatch tails the SSE event stream, printing each event as a JSON line.
func runWatch(_ *cobra.Command, _ []string) error {
	path := "/events"
	var params []string
	if watchExec != "" {
		params = append(params, "execution_id="+watchExec)
	}
	if kindsFlag != "" {
		params = append(params, "kinds="+kindsFlag)
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return err
	}
	setAuth(req)

	// No client timeout: the stream stays open until interrupted.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return printBody(resp.Body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Println(data)
		}
	}
	return scanner.Err()
}

func getJSON(path string) error {
	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return err
	}
	setAuth(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp.Body)
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func printBody(r io.Reader) error {
	var result any
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
