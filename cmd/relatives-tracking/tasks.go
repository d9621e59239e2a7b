package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/auth"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/ids"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/jobs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/users"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete location history and geofence events past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, db, closer, err := openServer()
			if err != nil {
				return err
			}
			defer closer()
			services, err := buildServerServices(appConfig, db, logger, nil)
			if err != nil {
				return err
			}
			return runOnce(cmd, pruneRun(services.pruner, logger))
		},
	}
}

func newEvaluateGeofencesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate-geofences",
		Short: "Evaluate every active geofence against current member locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, db, closer, err := openServer()
			if err != nil {
				return err
			}
			defer closer()
			services, err := buildServerServices(appConfig, db, logger, nil)
			if err != nil {
				return err
			}
			return runOnce(cmd, geofenceRun(services.geofences, logger))
		},
	}
}

func newCleanupSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-sessions",
		Short: "Delete expired and revoked device sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, db, closer, err := openServer()
			if err != nil {
				return err
			}
			defer closer()
			services, err := buildServerServices(appConfig, db, logger, nil)
			if err != nil {
				return err
			}
			return runOnce(cmd, sessionCleanupRun(services.members, logger))
		},
	}
}

func runOnce(cmd *cobra.Command, run jobs.RunFunc) error {
	result := run(cmd.Context())
	if result.Err != nil {
		return result.Err
	}
	if result.Outcome != jobs.Success {
		return fmt.Errorf("%s: %s", cmd.Name(), result.Outcome)
	}
	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		familyID    string
		displayName string
		deviceLabel string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Record a device session and print its signed token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, db, closer, err := openServer()
			if err != nil {
				return err
			}
			defer closer()

			members, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = appConfig.SessionTTL
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
				Clock:         time.Now,
			})
			if err != nil {
				return err
			}

			sessionID, err := ids.NewUUIDProvider().NewID()
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionGrant{
				SessionID:   sessionID,
				UserID:      strings.TrimSpace(userID),
				FamilyID:    strings.TrimSpace(familyID),
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			if err := members.RecordSession(cmd.Context(), users.Session{
				ID:               sessionID,
				UserID:           strings.TrimSpace(userID),
				FamilyID:         strings.TrimSpace(familyID),
				DeviceLabel:      strings.TrimSpace(deviceLabel),
				ExpiresAtSeconds: expiresAt.Unix(),
			}); err != nil {
				return err
			}

			logger.Info("device session issued",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.String("family_id", familyID),
				zap.Time("expires_at", expiresAt))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Member user id")
	cmd.Flags().StringVar(&familyID, "family", "", "Family id")
	cmd.Flags().StringVar(&displayName, "name", "", "Member display name")
	cmd.Flags().StringVar(&deviceLabel, "device", "", "Device label recorded with the session")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Member role (repeatable: admin, parent, member, child)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.session_ttl)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}
