package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
	"archive-agent/internal/usecase/archive"
)

// quiet keeps one-shot commands from logging below warn unless the config
// asks for debug output.
func quiet(cfg *config.Config) {
	if cfg.Logger.Level == "info" {
		cfg.Logger.Level = "warn"
	}
}

func newExtractCmd(cfgPath *string) *cobra.Command {
	var opts archive.ExtractOptions
	cmd := &cobra.Command{
		Use:   "extract ARCHIVE",
		Short: "Extract an archive and print the extracted files as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), *cfgPath, quiet)
			if err != nil {
				return err
			}
			defer cleanup()

			files, err := a.extractor.Extract(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"path":  args[0],
				"files": files,
				"count": len(files),
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Destination, "dest", "d", "", "destination directory (default: a new temp directory)")
	f.IntVar(&opts.MaxMembers, "max-members", 0, "member limit (default: archive.max_members)")
	f.StringVar(&opts.Password, "password", "", "password for encrypted 7z archives")
	return cmd
}

func newListCmd(cfgPath *string) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "list ARCHIVE",
		Short: "List archive members without extracting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), *cfgPath, quiet)
			if err != nil {
				return err
			}
			defer cleanup()

			names, err := a.extractor.List(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password for encrypted 7z archives")
	return cmd
}

func newDetectCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "detect FILE",
		Short: "Print the archive kind of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), *cfgPath, quiet)
			if err != nil {
				return err
			}
			defer cleanup()

			kind, err := a.extractor.Detector().Detect(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kind)
			if kind == domain.ArchiveUnknown {
				return domain.NewDomainError("detect", domain.ErrUnsupportedArchive, args[0])
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
