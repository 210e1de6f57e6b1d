package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/marionette/pkg/auth"
	"github.com/go-go-golems/marionette/pkg/sessionapi"
)

func sessionsClient() (*sessionapi.Client, string, error) {
	endpoint := viper.GetString("sessions-endpoint")
	if endpoint == "" {
		return nil, "", errors.New("--sessions-endpoint is required")
	}
	userID := viper.GetString("user-id")
	if userID == "" {
		return nil, "", errors.New("--user-id is required")
	}
	return sessionapi.NewClient(endpoint, auth.Static(viper.GetString("token"))), userID, nil
}

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted chat sessions",
	}
	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsDeleteCommand())
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	var (
		documentID string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, userID, err := sessionsClient()
			if err != nil {
				return err
			}

			var summaries []sessionapi.SessionSummary
			if all {
				summaries, err = client.ListAllSessions(cmd.Context(), userID, documentID)
			} else {
				summaries, err = client.ListSessions(cmd.Context(), userID, documentID)
			}
			if err != nil {
				return err
			}

			for _, summary := range summaries {
				fmt.Printf("%s  %s  %s  %s\n",
					summary.SessionID, summary.TimeStamp, summary.DocumentIdentifier, summary.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&documentID, "document", "", "Only sessions for this document")
	cmd.Flags().BoolVar(&all, "all", false, "Use the larger listing page")

	return cmd
}

func newSessionsDeleteCommand() *cobra.Command {
	var (
		sessionID string
		allUser   bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one session, or every session of the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, userID, err := sessionsClient()
			if err != nil {
				return err
			}

			if allUser {
				results, err := client.DeleteUserSessions(cmd.Context(), userID)
				if err != nil {
					return err
				}
				for _, result := range results {
					fmt.Printf("%s deleted=%v\n", result.ID, result.Deleted)
				}
				return nil
			}

			if sessionID == "" {
				return errors.New("--session or --all-user is required")
			}
			result, err := client.DeleteSession(cmd.Context(), sessionID, userID)
			if err != nil {
				return err
			}
			fmt.Printf("%s deleted=%v\n", result.ID, result.Deleted)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to delete")
	cmd.Flags().BoolVar(&allUser, "all-user", false, "Delete every session of the user")

	return cmd
}
