package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/marionette/pkg/auth"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/session"
	"github.com/go-go-golems/marionette/pkg/sessionapi"
	"github.com/go-go-golems/marionette/pkg/transport"
	"github.com/go-go-golems/marionette/pkg/ui"
)

const chatTopic = "ui"

func newChatCommand() *cobra.Command {
	var (
		documentID      string
		sessionID       string
		retrievalSource string
		projectID       string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := viper.GetString("endpoint")
			if endpoint == "" {
				return errors.New("--endpoint is required")
			}
			userID := viper.GetString("user-id")
			if userID == "" {
				return errors.New("--user-id is required")
			}
			if documentID == "" {
				return errors.New("--document is required")
			}
			tokens := auth.Static(viper.GetString("token"))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			router, err := events.NewEventRouter()
			if err != nil {
				return errors.Wrap(err, "create event router")
			}
			defer func() { _ = router.Close() }()

			publisher := events.NewPublisherManager()
			publisher.SubscribePublisher(chatTopic, router.Publisher)

			options := []session.SupervisorOption{
				session.WithPublisher(publisher),
				session.WithNotifier(session.PublisherNotifier(publisher)),
				session.WithRetrievalSource(retrievalSource),
				session.WithProjectID(projectID),
			}
			var fetcher session.Fetcher
			if sessionsEndpoint := viper.GetString("sessions-endpoint"); sessionsEndpoint != "" {
				client := sessionapi.NewClient(sessionsEndpoint, tokens)
				options = append(options, session.WithRecorder(client))
				fetcher = client
			}

			supervisor := session.NewSupervisor(
				transport.NewWebSocketTransport(endpoint),
				tokens,
				options...,
			)

			if sessionID != "" {
				supervisor.BindSession(sessionID, userID, documentID)
			} else {
				sessionID = supervisor.NewSession(userID, documentID)
			}
			if fetcher != nil {
				if err := supervisor.LoadHistory(ctx, fetcher); err != nil {
					return err
				}
			} else {
				supervisor.History().ReplaceAll([]*conversation.Turn{
					conversation.NewAssistantTurn(session.SeedGreeting),
				})
			}
			log.Info().Str("session_id", sessionID).Msg("chat session ready")

			p := tea.NewProgram(ui.NewModel(supervisor), tea.WithAltScreen(), tea.WithMouseCellMotion())
			router.AddHandler("ui", chatTopic, ui.ChatForwardFunc(p))

			errCh := make(chan error, 1)
			go func() {
				errCh <- router.Run(ctx)
			}()
			<-router.Running()

			if _, err := p.Run(); err != nil {
				return errors.Wrap(err, "run chat ui")
			}
			cancel()
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&documentID, "document", "", "Document identifier to ground answers on")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().StringVar(&retrievalSource, "retrieval-source", "", "Retrieval source override")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Project identifier")

	return cmd
}
