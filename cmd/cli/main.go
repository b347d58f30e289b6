package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	cliName    = "grok2ctl"
	cliVersion = "0.1.0"
)

var (
	flagServer   string
	flagAdminKey string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "grok2api 运维工具",
		Long:  "grok2ctl — grok2api 网关运维工具, 通过管理 API 维护 Token 池与批量任务",
	}

	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "http://127.0.0.1:8698", "网关地址")
	rootCmd.PersistentFlags().StringVarP(&flagAdminKey, "admin-key", "k", os.Getenv("GROK2API_ADMIN_KEY"), "管理接口密钥")

	rootCmd.AddCommand(tokenCommand())
	rootCmd.AddCommand(batchCommand())
	rootCmd.AddCommand(cacheCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Token pool ───

// tokenFile is the import/export document format.
type tokenFile struct {
	Tokens []tokenEntry `yaml:"tokens"`
}

type tokenEntry struct {
	Token string   `yaml:"token" json:"token"`
	Class string   `yaml:"class,omitempty" json:"class,omitempty"`
	Tags  []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Note  string   `yaml:"note,omitempty" json:"note,omitempty"`
}

type tokenView struct {
	Token            string   `json:"token"`
	Class            string   `json:"class"`
	Tags             []string `json:"tags"`
	Note             string   `json:"note"`
	Disabled         bool     `json:"disabled"`
	Failures         int      `json:"failures"`
	LastFailure      string   `json:"last_failure"`
	RemainingDefault int      `json:"remaining_default"`
	RemainingHeavy   int      `json:"remaining_heavy"`
}

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Token 池管理",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "从 YAML 文件导入 Token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc tokenFile
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if len(doc.Tokens) == 0 {
				return fmt.Errorf("%s contains no tokens", args[0])
			}

			var out struct {
				Imported int `json:"imported"`
				Total    int `json:"total"`
			}
			if err := call("POST", "/api/v1/admin/tokens", map[string]any{"tokens": doc.Tokens}, &out); err != nil {
				return err
			}
			fmt.Printf("imported %d new of %d\n", out.Imported, out.Total)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出池中全部 Token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tokens []tokenView `json:"tokens"`
			}
			if err := call("GET", "/api/v1/admin/tokens", nil, &out); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tCLASS\tSTATE\tDEFAULT\tHEAVY\tTAGS")
			for _, t := range out.Tokens {
				state := "ok"
				if t.Disabled {
					state = "disabled"
				} else if t.Failures > 0 {
					state = fmt.Sprintf("failing(%d)", t.Failures)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%v\n",
					mask(t.Token), t.Class, state, t.RemainingDefault, t.RemainingHeavy, t.Tags)
			}
			return w.Flush()
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <token>...",
		Short: "从池中移除 Token",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Removed int `json:"removed"`
			}
			if err := call("DELETE", "/api/v1/admin/tokens", map[string]any{"tokens": args}, &out); err != nil {
				return err
			}
			fmt.Printf("removed %d\n", out.Removed)
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <file.yaml>",
		Short: "导出 Token 池到 YAML 文件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tokens []tokenView `json:"tokens"`
			}
			if err := call("GET", "/api/v1/admin/tokens", nil, &out); err != nil {
				return err
			}
			doc := tokenFile{Tokens: make([]tokenEntry, 0, len(out.Tokens))}
			for _, t := range out.Tokens {
				doc.Tokens = append(doc.Tokens, tokenEntry{
					Token: t.Token, Class: t.Class, Tags: t.Tags, Note: t.Note,
				})
			}
			raw, err := yaml.Marshal(&doc)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], raw, 0o600); err != nil {
				return err
			}
			fmt.Printf("exported %d tokens to %s\n", len(doc.Tokens), args[0])
			return nil
		},
	}

	var disable, enable bool
	setCmd := &cobra.Command{
		Use:   "set <token>",
		Short: "修改单个 Token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"token": args[0]}
			switch {
			case disable:
				body["disabled"] = true
			case enable:
				body["disabled"] = false
			default:
				return fmt.Errorf("nothing to change, pass --disable or --enable")
			}
			var out tokenView
			if err := call("PATCH", "/api/v1/admin/tokens", body, &out); err != nil {
				return err
			}
			fmt.Printf("%s disabled=%v\n", mask(out.Token), out.Disabled)
			return nil
		},
	}
	setCmd.Flags().BoolVar(&disable, "disable", false, "停用该 Token")
	setCmd.Flags().BoolVar(&enable, "enable", false, "启用该 Token")

	cmd.AddCommand(importCmd, listCmd, removeCmd, exportCmd, setCmd)
	return cmd
}

// ─── Batch operations ───

type batchSnapshot struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled bool   `json:"cancelled"`
	Done      bool   `json:"done"`
}

func batchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "批量任务管理",
	}

	submitCmd := &cobra.Command{
		Use:   "submit <kind> [token]...",
		Short: "提交批量任务 (refresh_usage, enable_content_mode, list_remote_assets, purge_remote_assets)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap batchSnapshot
			body := map[string]any{"kind": args[0], "tokens": args[1:]}
			if err := call("POST", "/api/v1/admin/batch", body, &snap); err != nil {
				return err
			}
			fmt.Printf("submitted %s  id=%s  total=%d\n", snap.Kind, snap.ID, snap.Total)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "查看批量任务状态",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				var snap batchSnapshot
				if err := call("GET", "/api/v1/admin/batch/"+args[0], nil, &snap); err != nil {
					return err
				}
				printBatch(snap)
				return nil
			}
			var out struct {
				Tasks []batchSnapshot `json:"tasks"`
			}
			if err := call("GET", "/api/v1/admin/batch", nil, &out); err != nil {
				return err
			}
			for _, snap := range out.Tasks {
				printBatch(snap)
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "取消批量任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap batchSnapshot
			if err := call("POST", "/api/v1/admin/batch/"+args[0]+"/cancel", nil, &snap); err != nil {
				return err
			}
			printBatch(snap)
			return nil
		},
	}

	cmd.AddCommand(submitCmd, statusCmd, cancelCmd)
	return cmd
}

func printBatch(snap batchSnapshot) {
	state := "running"
	switch {
	case snap.Cancelled:
		state = "cancelled"
	case snap.Done:
		state = "done"
	}
	fmt.Printf("%s  %-22s %s  %d/%d done, %d failed\n",
		snap.ID, snap.Kind, state, snap.Completed, snap.Total, snap.Failed)
}

// ─── Media cache ───

func cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "媒体缓存管理",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "查看缓存占用",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call("GET", "/api/v1/admin/cache", nil, &out); err != nil {
				return err
			}
			raw, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(raw))
			return nil
		},
	})

	var kind string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "清空缓存",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/admin/cache"
			if kind != "" {
				path += "?kind=" + kind
			}
			var out map[string]any
			if err := call("DELETE", path, nil, &out); err != nil {
				return err
			}
			fmt.Println("cleared")
			return nil
		},
	}
	clearCmd.Flags().StringVar(&kind, "kind", "", "只清理指定类型 (image, video)")
	cmd.AddCommand(clearCmd)

	return cmd
}

// ─── Admin API transport ───

// call sends one admin request and decodes the JSON response into out.
func call(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, flagServer+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if flagAdminKey != "" {
		req.Header.Set("Authorization", "Bearer "+flagAdminKey)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error.Message)
		}
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func mask(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:6] + "..." + token[len(token)-4:]
}
