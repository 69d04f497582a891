package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shiny_assistant/connect"
	"shiny_assistant/workspace"
)

func contentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Browse and download apps deployed on Posit Connect",
	}
	cmd.AddCommand(contentListCmd())
	cmd.AddCommand(contentOpenCmd())
	return cmd
}

func connectClient() (*connect.Client, string, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, "", err
	}
	if cfg.Connect == nil {
		return nil, "", errors.New("connect not configured; set connect.server_url/api_key or CONNECT_SERVER/CONNECT_API_KEY")
	}
	c, err := connect.New(connect.Config{ServerURL: cfg.Connect.ServerURL, APIKey: cfg.Connect.APIKey}, nil, cfg.Verbose, log.Default())
	if err != nil {
		return nil, "", err
	}
	return c, cfg.Workspace.Dir, nil
}

func contentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployed content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := connectClient()
			if err != nil {
				return err
			}
			items, err := c.Find(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GUID\tTITLE\tMODE\tDEPLOYED")
			for _, it := range items {
				title := it.Title
				if title == "" {
					title = it.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.GUID, title, it.AppMode, it.LastDeployedTime)
			}
			return tw.Flush()
		},
	}
}

func contentOpenCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "open <guid>",
		Short: "Download a deployed app's bundle into the working directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, defaultDir, err := connectClient()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = defaultDir
			}
			var bundle bytes.Buffer
			item, err := c.FetchBundle(cmd.Context(), args[0], &bundle)
			if err != nil {
				return err
			}
			if err := workspace.ExtractArchive(&bundle, dir); err != nil {
				return err
			}
			set, err := workspace.Read(dir)
			if err != nil {
				return err
			}
			log.Printf("[cli] opened %q into %s", item.Title, dir)
			for _, name := range set.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "target directory (default: workspace.dir from config)")

	return cmd
}
