package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/config"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/schema"
	"github.com/spf13/cobra"
)

func newMigrateCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(state.viper)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, err := openStore(appConfig, logger)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			applied, err := schema.Migrate(store, logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func newPruneCommand(state *cliState) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Keep the newest posts and purge the rest with their images",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(state.viper)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.posts.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d posts, kept %d\n", len(report.Removed), report.Kept)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 100, "Number of newest posts to keep")
	return cmd
}

func newRecountCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "recount",
		Short: "Rebuild like and caption counters from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(state.viper)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.posts.Recount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recounted %d posts and %d captions\n", report.PostsUpdated, report.CaptionsUpdated)
			return nil
		},
	}
}

func newReresolveCommand(state *cliState) *cobra.Command {
	var postID int64
	cmd := &cobra.Command{
		Use:   "reresolve",
		Short: "Recompute top captions from current like counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(state.viper)
			if err != nil {
				return err
			}
			defer app.Close()

			var changes []posts.TopCaptionChange
			if postID > 0 {
				change, err := app.posts.RefreshTopCaption(cmd.Context(), postID)
				if err != nil {
					return err
				}
				if change.Changed() {
					changes = append(changes, change)
				}
			} else {
				changes, err = app.posts.RefreshAllTopCaptions(cmd.Context())
				if err != nil {
					return err
				}
			}
			for _, change := range changes {
				fmt.Fprintf(cmd.OutOrStdout(), "post %d: top caption %s -> %s\n", change.PostID, captionLabel(change.Previous), captionLabel(change.Current))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d top captions changed\n", len(changes))
			return nil
		},
	}
	cmd.Flags().Int64Var(&postID, "post", 0, "Only re-resolve this post")
	return cmd
}

func captionLabel(captionID *int64) string {
	if captionID == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *captionID)
}
