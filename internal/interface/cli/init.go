package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/embed"
	"github.com/YoshitsuguKoike/orchestra/internal/infra/config"
	fsutil "github.com/YoshitsuguKoike/orchestra/internal/infra/fs"
)

func newInitCmd(rt *runtime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the project home with a default workflow and prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := embed.GetTemplates()
			if err != nil {
				return fmt.Errorf("load templates: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, tmpl := range templates {
				res, err := embed.WriteTemplate(rt.fs, rt.paths.Home, tmpl, force)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-14s %s\n", res.Action, res.Path)
			}

			setting := embed.Template{Path: config.SettingFile, Content: config.CreateDefaultSettings(rt.paths.Home), Mode: 0o644}
			res, err := embed.WriteTemplate(rt.fs, rt.paths.Home, setting, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-14s %s\n", res.Action, res.Path)

			for _, dir := range []string{rt.paths.Locks, rt.paths.Cache} {
				if err := rt.fs.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			root := rt.paths.ProjectRoot()
			home, err := filepath.Rel(root, absPath(rt.paths.Home))
			if err != nil || strings.HasPrefix(home, "..") {
				return nil
			}
			if changed, err := fsutil.UpdateGitignore(rt.fs, root, home); err != nil {
				// Non-fatal: the project works without it.
				rt.logger.Warn("could not update .gitignore: %v", err)
			} else if changed {
				fmt.Fprintf(out, "%-14s %s\n", "UPDATED", ".gitignore")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
