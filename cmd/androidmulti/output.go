package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

type recordRow struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Port     int       `json:"port"`
	Serial   string    `json:"serial"`
	Sync     bool      `json:"syncFlag"`
	PID      int       `json:"pid,omitempty"`
	Template string    `json:"template,omitempty"`
	DeviceID string    `json:"deviceId"`
	Created  time.Time `json:"createdAt"`
}

func rowOf(rec types.InstanceRecord) recordRow {
	return recordRow{
		Name:     rec.Name,
		State:    rec.State.String(),
		Port:     rec.Port,
		Serial:   rec.Serial(),
		Sync:     rec.Sync,
		PID:      rec.PID,
		Template: rec.Template,
		DeviceID: rec.DeviceID,
		Created:  rec.CreatedAt,
	}
}

// tableOutput reports whether results go out as an aligned table.
func tableOutput() bool {
	return !jsonOutput && term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under header, tab-aligned, or the JSON value when
// stdout is not a terminal.
func printTable(v any, header string, rows [][]any) error {
	if !tableOutput() {
		return printJSON(v)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, col)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func printRecords(rows []recordRow) error {
	table := make([][]any, 0, len(rows))
	for _, r := range rows {
		sync := ""
		if r.Sync {
			sync = "yes"
		}
		table = append(table, []any{r.Name, r.State, r.Serial, sync, r.Template})
	}
	return printTable(rows, "NAME\tSTATE\tSERIAL\tSYNC\tTEMPLATE", table)
}
