package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wsh/internal/config"
)

// httpDo issues a request against the server's HTTP surface.
func httpDo(cfg *config.Config, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+cfg.Bind+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return resp, nil
}

func httpPost(cfg *config.Config, path string, body any) error {
	resp, err := httpDo(cfg, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func listCmd(cfg *config.Config) *cobra.Command {
	var tagFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/sessions"
			if tagFilter != "" {
				path += "?tag=" + tagFilter
			}
			resp, err := httpDo(cfg, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var sessions []struct {
				Name       string   `json:"name"`
				Pid        int      `json:"pid"`
				Rows       int      `json:"rows"`
				Cols       int      `json:"cols"`
				Tags       []string `json:"tags"`
				Clients    int      `json:"clients"`
				InputMode  string   `json:"input_mode"`
				ScreenMode string   `json:"screen_mode"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPID\tSIZE\tCLIENTS\tMODE\tTAGS")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%dx%d\t%d\t%s\t%v\n",
					s.Name, s.Pid, s.Cols, s.Rows, s.Clients, s.InputMode, s.Tags)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&tagFilter, "tag", "", "Filter by tag")
	return cmd
}

func killCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <name>",
		Short: "Destroy a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpDo(cfg, http.MethodDelete, "/sessions/"+args[0], nil)
			if err != nil {
				return err
			}
			resp.Body.Close()
			fmt.Printf("killed %s\n", args[0])
			return nil
		},
	}
}

func tagCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <name> add|remove <tags...>",
		Short: "Add or remove session tags",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, op, tags := args[0], args[1], args[2:]
			body := map[string]any{}
			switch op {
			case "add":
				body["add_tags"] = tags
			case "remove":
				body["remove_tags"] = tags
			default:
				return fmt.Errorf("unknown tag operation %q (want add or remove)", op)
			}
			resp, err := httpDo(cfg, http.MethodPatch, "/sessions/"+name, body)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
	}
}
