package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"shiny_assistant/markup"
	"shiny_assistant/workspace"
)

func extractCmd() *cobra.Command {
	var outDir string
	var display bool

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract app files from a model response (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			raw, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			text := string(raw)
			out := cmd.OutOrStdout()

			if display {
				_, err := io.WriteString(out, markup.Transform(text))
				return err
			}
			set, ok := markup.Extract(text)
			if !ok {
				return fmt.Errorf("no closed <SHINYAPP> block found")
			}
			if outDir != "" {
				if err := workspace.Sync(outDir, set); err != nil {
					return err
				}
				for _, name := range set.Names() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write the files into this directory instead of printing JSON")
	cmd.Flags().BoolVar(&display, "display", false, "print the display markdown instead of the files")

	return cmd
}
