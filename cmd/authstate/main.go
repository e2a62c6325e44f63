// Command authstate operates the auth state layer: serving its HTTP
// API, inspecting and clearing lockouts, listing and revoking sessions
// and refresh tokens, and running the expired-session sweep by hand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/apparelcore/authstate/internal/app"
	"github.com/apparelcore/authstate/internal/config"
	"github.com/apparelcore/authstate/internal/http/router"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	lockStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	faintStyle = lipgloss.NewStyle().Faint(true)
)

func main() {
	root := &cobra.Command{
		Use:           "authstate",
		Short:         "Operate the session and lockout state layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), sweepCmd(), lockedCmd(), unlockCmd(), sessionsCmd(), revokeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp loads config, builds the component graph against the
// configured store and tears it down after fn returns.
func withApp(fn func(ctx context.Context, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load(ctx)
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Close(shutdownCtx)
		}()
		return fn(ctx, a)
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the auth state HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				srv := &http.Server{
					Addr: addr,
					Handler: router.New(router.Dependencies{
						JWTManager:     a.JWT,
						Tokens:         a.Tokens,
						Sessions:       a.Sessions,
						Lockout:        a.Lockout,
						Limiter:        a.RateLimiter,
						Store:          a.Store,
						EnableOTelHTTP: a.Config.OTELMetricsEnabled,
					}),
					ReadHeaderTimeout: 5 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					a.Logger.Info("http server listening", "addr", addr)
					errCh <- srv.ListenAndServe()
				}()

				stop := make(chan os.Signal, 1)
				signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
				select {
				case err := <-errCh:
					return err
				case <-stop:
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expired-session cleanup pass",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			cleaned := a.Sessions.CleanupExpiredSessions(ctx)
			fmt.Printf("%s %d key(s) cleaned\n", titleStyle.Render("sweep:"), cleaned)
			return nil
		}),
	}
}

func lockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locked",
		Short: "List locked accounts and lockout stats",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			emails, err := a.Lockout.GetLockedAccounts(ctx)
			if err != nil {
				return err
			}
			stats, err := a.Lockout.GetLockoutStats(ctx)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("locked accounts"))
			if len(emails) == 0 {
				fmt.Println(faintStyle.Render("  (none)"))
			}
			for _, email := range emails {
				fmt.Println("  " + lockStyle.Render(email))
			}
			fmt.Printf("%s locked=%d outstanding_attempts=%d events=%d\n",
				titleStyle.Render("stats:"),
				stats.LockedAccounts, stats.OutstandingFailed, stats.EventLogLength)
			return nil
		}),
	}
}

func unlockCmd() *cobra.Command {
	var adminID string
	cmd := &cobra.Command{
		Use:   "unlock <email>",
		Short: "Administratively unlock an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := args[0]
			return withApp(func(ctx context.Context, a *app.App) error {
				if err := a.Lockout.UnlockAccount(ctx, email, adminID); err != nil {
					return err
				}
				fmt.Printf("%s %s unlocked\n", titleStyle.Render("unlock:"), email)
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&adminID, "admin", "", "acting admin id recorded in the event log")
	return cmd
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <user-id>",
		Short: "List a user's live sessions and refresh tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withApp(func(ctx context.Context, a *app.App) error {
				fmt.Println(titleStyle.Render("sessions for " + userID))
				sessions := a.Sessions.GetUserActiveSessions(ctx, userID)
				if len(sessions) == 0 {
					fmt.Println(faintStyle.Render("  (none)"))
				}
				for _, s := range sessions {
					fmt.Printf("  %s last_activity=%s started=%s ip=%s\n",
						s.SessionID,
						s.LastActivity.Format(time.RFC3339),
						s.SessionStart.Format(time.RFC3339),
						s.IPAddress)
				}

				records, err := a.Tokens.GetUserActiveSessions(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Println(titleStyle.Render("refresh tokens"))
				if len(records) == 0 {
					fmt.Println(faintStyle.Render("  (none)"))
				}
				for _, r := range records {
					fmt.Printf("  device=%q ua=%q ip=%s issued=%s\n",
						r.DeviceID, r.UserAgent, r.IPAddress, r.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})(cmd, args)
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Revoke all of a user's refresh tokens and terminate their sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withApp(func(ctx context.Context, a *app.App) error {
				tokens := a.Tokens.RevokeAllUserTokens(ctx, userID)
				sessions := a.Sessions.TerminateAllUserSessions(ctx, userID)
				fmt.Printf("%s %d refresh token(s), %d session(s)\n",
					titleStyle.Render("revoked:"), tokens, sessions)
				return nil
			})(cmd, args)
		},
	}
}
