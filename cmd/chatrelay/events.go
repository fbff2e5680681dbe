package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// processGroup collects events that belong to no conversation.
const processGroup = "process"

type eventGroup struct {
	Name   string
	Events []db.Event
}

func newEventsCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		chatID     string
		limit      int
		jsonOut    bool
		noPayload  bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log grouped by conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				dbPath = cfg.Storage.DBPath
			}

			database, err := sql.Open("sqlite3", dbPath+"?mode=ro&_journal_mode=WAL")
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()
			if err := database.Ping(); err != nil {
				return fmt.Errorf("ping db: %w", err)
			}

			events, err := db.ListEvents(cmd.Context(), database, chatID, limit)
			if err != nil {
				return err
			}
			groups := groupEvents(events)
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), groups, noPayload)
			}
			printTree(cmd.OutOrStdout(), groups, noPayload)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (default $CHATRELAY_CONFIG)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from config)")
	cmd.Flags().StringVar(&chatID, "chat", "", "only show events for this conversation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "show at most this many recent events (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&noPayload, "no-payload", false, "hide payload details")
	return cmd
}

// groupEvents buckets events by the chat_id in their payload, in order of
// first appearance. Events without one go to the process group.
func groupEvents(events []db.Event) []eventGroup {
	var groups []eventGroup
	index := map[string]int{}
	for _, ev := range events {
		name := processGroup
		if id, ok := decodePayload(ev)["chat_id"].(string); ok && id != "" {
			name = "chat " + id
		}
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, eventGroup{Name: name})
		}
		groups[i].Events = append(groups[i].Events, ev)
	}
	return groups
}

// printTree renders each group with its events as box-drawing children.
func printTree(w io.Writer, groups []eventGroup, noPayload bool) {
	for _, g := range groups {
		fmt.Fprintln(w, g.Name)
		for i, ev := range g.Events {
			connector := "├── "
			if i == len(g.Events)-1 {
				connector = "└── "
			}
			fmt.Fprintln(w, connector+formatEvent(ev, noPayload))
		}
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return line
	}

	m := decodePayload(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "chat_id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return fmt.Sprintf("%q", val[:80]+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func decodePayload(ev db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

type jsonEvent struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

type jsonGroup struct {
	Group  string      `json:"group"`
	Events []jsonEvent `json:"events"`
}

func printJSON(w io.Writer, groups []eventGroup, noPayload bool) error {
	out := make([]jsonGroup, 0, len(groups))
	for _, g := range groups {
		jg := jsonGroup{Group: g.Name, Events: make([]jsonEvent, 0, len(g.Events))}
		for _, ev := range g.Events {
			je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
			if !noPayload {
				if m := decodePayload(ev); m != nil {
					je.Payload = m
				}
			}
			jg.Events = append(jg.Events, je)
		}
		out = append(out, jg)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
