package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var logFilter struct {
	appLabel string
	model    string
	objectPK string
	actorID  int64
	action   string
	from     string
	to       string
	order    string
	limit    int
	cursor   string
}

func (c *Client) mustGet(path string, out interface{}) {
	if err := c.Get(path, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// filterQuery encodes the list flags; path parameters override them.
func filterQuery() string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("app_label", logFilter.appLabel)
	set("model", logFilter.model)
	set("object_pk", logFilter.objectPK)
	if logFilter.actorID > 0 {
		q.Set("actor_id", strconv.FormatInt(logFilter.actorID, 10))
	}
	set("action", logFilter.action)
	set("from", logFilter.from)
	set("to", logFilter.to)
	set("order", logFilter.order)
	if logFilter.limit > 0 {
		q.Set("limit", strconv.Itoa(logFilter.limit))
	}
	set("cursor", logFilter.cursor)
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Primary store log commands",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List log entries, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		var resp LogListResponse
		NewClient(apiURL).mustGet("/v1/logs"+filterQuery(), &resp)
		printResult(resp)
	},
}

var logsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one log entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var resp LogRow
		NewClient(apiURL).mustGet("/v1/logs/"+url.PathEscape(args[0]), &resp)
		printResult(resp)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <app_label.model> <pk>",
	Short: "Show the change history of one object",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		app, model, ok := splitResource(args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: resource must be app_label.model, got %q\n", args[0])
			os.Exit(1)
		}
		path := fmt.Sprintf("/v1/resources/%s/%s/%s/history", url.PathEscape(app), url.PathEscape(model), url.PathEscape(args[1]))
		var resp LogListResponse
		NewClient(apiURL).mustGet(path+filterQuery(), &resp)
		printResult(resp)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [event-id]",
	Short: "Query the secondary store",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(apiURL)
		if len(args) == 1 {
			var resp LogRow
			client.mustGet("/v1/search/logs/"+url.PathEscape(args[0]), &resp)
			printResult(resp)
			return
		}
		var resp LogListResponse
		client.mustGet("/v1/search/logs"+filterQuery(), &resp)
		printResult(resp)
	},
}

func splitResource(s string) (string, string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i], s[i+1:], i > 0 && i < len(s)-1
		}
	}
	return "", "", false
}

func addFilterFlags(cmd *cobra.Command, withResource bool) {
	f := cmd.Flags()
	if withResource {
		f.StringVar(&logFilter.appLabel, "app", "", "Filter by app label")
		f.StringVar(&logFilter.model, "model", "", "Filter by model")
		f.StringVar(&logFilter.objectPK, "pk", "", "Filter by object primary key")
	}
	f.Int64Var(&logFilter.actorID, "actor", 0, "Filter by actor id")
	f.StringVar(&logFilter.action, "action", "", "Filter by action (create, update, delete)")
	f.StringVar(&logFilter.from, "from", "", "Only entries at or after this RFC 3339 time")
	f.StringVar(&logFilter.to, "to", "", "Only entries before this RFC 3339 time")
	f.StringVar(&logFilter.order, "order", "", "Sort order (asc, desc)")
	f.IntVar(&logFilter.limit, "limit", 20, "Page size")
	f.StringVar(&logFilter.cursor, "cursor", "", "Resume from a previous page's cursor")
}

func init() {
	addFilterFlags(logsListCmd, true)
	addFilterFlags(searchCmd, true)
	addFilterFlags(historyCmd, false)
	logsCmd.AddCommand(logsListCmd, logsGetCmd)
	rootCmd.AddCommand(logsCmd, historyCmd, searchCmd)
}
