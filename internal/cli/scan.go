package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hitushen/escudo/internal/models"
	"github.com/hitushen/escudo/internal/scans"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func (a *app) scanCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "scan <ip>",
		Short: "Lanza un escaneo de red y muestra los resultados",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return a.requireLogin(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := scans.Submit(cmd.Context(), a.session.Client(), args[0])
			if err != nil {
				return a.userError(err, scans.MsgScanFailed)
			}
			if output == outputTable {
				fmt.Fprintln(cmd.ErrOrStderr(), scans.MsgScanStarted)
			}
			return writeResults(cmd.OutOrStdout(), output, results)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format (table, json)")
	return cmd
}

func (a *app) resultsCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "results",
		Aliases: []string{"ls"},
		Short:   "Muestra los resultados de escaneo",
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return a.requireLogin(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := scans.List(cmd.Context(), a.session.Client())
			if err != nil {
				return a.userError(err, scans.MsgLoadFailed)
			}
			return writeResults(cmd.OutOrStdout(), output, results)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format (table, json)")
	return cmd
}

func validateOutput(output string) error {
	switch output {
	case outputTable, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

func writeResults(w io.Writer, output string, results []models.ScanResult) error {
	if output == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, scans.MsgNoResultsYet)
		return err
	}
	return renderTable(w, models.Flatten(results))
}

// renderTable 以表格输出每个 (扫描, 主机, 条目) 一行。
func renderTable(w io.Writer, rows []models.Row) error {
	header := make([]any, len(models.TableHeader))
	for i, h := range models.TableHeader {
		header[i] = h
	}
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	for _, row := range rows {
		if err := table.Append(row.Cells()); err != nil {
			return err
		}
	}
	return table.Render()
}
