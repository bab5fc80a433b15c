package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"wardenchat/internal/config"
	"wardenchat/pkg/transcript"
)

func newTranscriptCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Work with the archived room transcript",
	}

	var archivePath, outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the archived transcript as plain text",
		RunE: func(cmd *cobra.Command, args []string) error {
			if archivePath == "" {
				cfg, err := config.LoadServer(*configPath)
				if err != nil {
					return err
				}
				archivePath = cfg.ArchivePath
			}
			if archivePath == "" {
				return errors.New("no archive configured: set archive_path or pass --archive")
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			return exportArchive(archivePath, w)
		},
	}
	export.Flags().StringVar(&archivePath, "archive", "", "Archive file (defaults to archive_path from the config)")
	export.Flags().StringVarP(&outPath, "out", "o", "", "Output file (defaults to stdout)")

	cmd.AddCommand(export)
	return cmd
}

func exportArchive(path string, w io.Writer) error {
	archive, err := transcript.OpenArchive(path)
	if err != nil {
		return err
	}
	defer archive.Close()

	_, err = archive.WriteTo(w)
	return err
}
