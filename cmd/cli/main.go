package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/orchestrator"
	"strategy-sandbox/internal/queue"
	"strategy-sandbox/internal/sandbox"
	"strategy-sandbox/internal/storage"
	"strategy-sandbox/internal/strategy"
)

var (
	serverURL string
	apiKey    string
	userID    string

	language string
	timeout  time.Duration
	memoryMB int64
	meta     metadata
	wait     bool

	listStatus string
	listUser   string
	listLimit  int

	backendName     string
	starlarkBackend string
	configPath      string

	rateComment string
)

type metadata struct {
	title, description, category, assetClass, timeseriesName string
}

func main() {
	root := &cobra.Command{
		Use:          "strategy-cli",
		Short:        "CLI client for strategy-sandbox",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("SANDBOX_USER"), "User ID sent as X-User-ID")

	submitCmd := &cobra.Command{
		Use:   "submit <strategy file> <dataset.csv>",
		Short: "Submit a strategy for backtesting",
		Args:  cobra.ExactArgs(2),
		RunE:  runSubmit,
	}
	addJobFlags(submitCmd)
	submitCmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job finishes")
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status <job id>",
		Short: "Show a job's status and metrics",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, running, completed, failed)")
	listCmd.Flags().StringVar(&listUser, "owner", "", "Filter by owner")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum jobs to list")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	rateCmd := &cobra.Command{
		Use:   "rate <job id> <score 1-5>",
		Short: "Rate a job's strategy",
		Args:  cobra.ExactArgs(2),
		RunE:  runRate,
	}
	rateCmd.Flags().StringVar(&rateComment, "comment", "", "Optional note stored with the rating")
	root.AddCommand(rateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "comment <job id> <text>",
		Short: "Comment on a job's strategy",
		Args:  cobra.ExactArgs(2),
		RunE:  runComment,
	})

	backtestCmd := &cobra.Command{
		Use:   "backtest <strategy file> <dataset.csv>",
		Short: "Run the whole pipeline locally and print the job with its metrics",
		Args:  cobra.ExactArgs(2),
		RunE:  runBacktest,
	}
	addJobFlags(backtestCmd)
	backtestCmd.Flags().StringVar(&backendName, "backend", "auto", "Python backend (auto, containerd, docker, none)")
	backtestCmd.Flags().StringVar(&starlarkBackend, "starlark-backend", "", "Starlark backend (auto, process, inprocess); config value when empty")
	backtestCmd.Flags().StringVar(&configPath, "config", "", "Optional config file")
	root.AddCommand(backtestCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&language, "language", "l", "", "Language (python, starlark; detected from the file extension)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (server default when zero)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (server default when zero)")
	cmd.Flags().StringVar(&meta.title, "title", "", "Job title")
	cmd.Flags().StringVar(&meta.description, "description", "", "Job description")
	cmd.Flags().StringVar(&meta.category, "category", "", "Strategy category")
	cmd.Flags().StringVar(&meta.assetClass, "asset-class", "", "Asset class")
	cmd.Flags().StringVar(&meta.timeseriesName, "timeseries", "", "Name of the dataset series")
}

func detectLanguage(path string) (string, error) {
	if language != "" {
		return language, nil
	}
	switch ext := filepath.Ext(path); ext {
	case ".py":
		return string(strategy.LanguagePython), nil
	case ".star":
		return string(strategy.LanguageStarlark), nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	lang, err := detectLanguage(args[0])
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := attachFile(mw, "code_file", args[0]); err != nil {
		return err
	}
	if err := attachFile(mw, "data_file", args[1]); err != nil {
		return err
	}
	fields := map[string]string{
		"language":        lang,
		"title":           meta.title,
		"description":     meta.description,
		"category":        meta.category,
		"asset_class":     meta.assetClass,
		"timeseries_name": meta.timeseriesName,
	}
	if timeout > 0 {
		fields["timeout"] = timeout.String()
	}
	if memoryMB > 0 {
		fields["memory_mb"] = strconv.FormatInt(memoryMB, 10)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := newRequest(http.MethodPost, "/jobs", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := doJSON(req, http.StatusAccepted, &accepted); err != nil {
		return err
	}
	if !wait {
		return printJSON(accepted)
	}

	fmt.Fprintf(os.Stderr, "job %s queued, waiting...\n", accepted.JobID)
	for {
		job, err := fetchJob(accepted.JobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return printJSON(job)
		}
		time.Sleep(time.Second)
	}
}

func attachFile(mw *multipart.Writer, field, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func fetchJob(id string) (*strategy.Job, error) {
	req, err := newRequest(http.MethodGet, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var job strategy.Job
	if err := doJSON(req, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func runStatus(_ *cobra.Command, args []string) error {
	job, err := fetchJob(args[0])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runRate(_ *cobra.Command, args []string) error {
	score, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("score must be an integer: %w", err)
	}
	return postFeedback("/jobs/"+url.PathEscape(args[0])+"/rating", http.StatusOK, map[string]any{
		"score":   score,
		"comment": rateComment,
	})
}

func runComment(_ *cobra.Command, args []string) error {
	return postFeedback("/jobs/"+url.PathEscape(args[0])+"/comments", http.StatusCreated, map[string]any{
		"content": args[1],
	})
}

func postFeedback(path string, want int, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := newRequest(http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out map[string]any
	if err := doJSON(req, want, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	if listUser != "" {
		q.Set("user_id", listUser)
	}
	q.Set("limit", strconv.Itoa(listLimit))

	req, err := newRequest(http.MethodGet, "/jobs?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	var result any
	if err := doJSON(req, http.StatusOK, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func runHealth(_ *cobra.Command, _ []string) error {
	req, err := newRequest(http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	var result any
	if err := doJSON(req, 0, &result); err != nil {
		return err
	}
	return printJSON(result)
}

// runBacktest wires an in-memory store and queue around the configured
// sandbox backends and runs a single job synchronously.
func runBacktest(cmd *cobra.Command, args []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.WarnLevel)

	lang, err := detectLanguage(args[0])
	if err != nil {
		return err
	}
	code, err := os.ReadFile(filepath.Clean(args[0]))
	if err != nil {
		return fmt.Errorf("reading strategy: %w", err)
	}
	data, err := os.ReadFile(filepath.Clean(args[1]))
	if err != nil {
		return fmt.Errorf("reading dataset: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Sandbox.Backend = backendName
	if starlarkBackend != "" {
		cfg.Sandbox.StarlarkBackend = starlarkBackend
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	q := queue.NewMemory(1)
	defer q.Close()
	store := storage.NewMemory()
	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), store, q, backend, monitor.NewMetrics(), nil)

	job, err := orch.Submit(ctx, orchestrator.SubmitRequest{
		UserID:         "local",
		Code:           string(code),
		Language:       strategy.Language(lang),
		Dataset:        data,
		Title:          meta.title,
		Description:    meta.description,
		Category:       meta.category,
		AssetClass:     meta.assetClass,
		TimeseriesName: meta.timeseriesName,
		Limits:         strategy.Limits{Timeout: timeout, MemoryMB: memoryMB},
	})
	if err != nil {
		return err
	}

	out, err := orch.Run(ctx, job.ID)
	if err != nil {
		return err
	}
	if out.Result != nil && out.Result.Logs != "" {
		fmt.Fprint(os.Stderr, out.Result.Logs)
	}
	if err := printJSON(out.Job); err != nil {
		return err
	}
	if out.Job.Status != strategy.StatusCompleted {
		return errors.New("backtest failed")
	}
	return nil
}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req, nil
}

// doJSON sends req and decodes the body into v. A non-zero want rejects any
// other status, surfacing the server's error message.
func doJSON(req *http.Request, want int, v any) error {
	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if want != 0 && resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("server returned %d %s: %s", resp.StatusCode, apiErr.Code, apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}
