package main

// Entry point for azurepim.
import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/malvik/azurepim/app"
	"github.com/malvik/azurepim/auth"
	"github.com/malvik/azurepim/config"
	"github.com/malvik/azurepim/graph"
	"github.com/malvik/azurepim/keychain"
	"github.com/malvik/azurepim/logging"
	"github.com/malvik/azurepim/pim"
)

func main() {
	runCmd := flag.String("run", "", "Run a command non-interactively (e.g., 'login', 'roles', 'activate')")
	configPath := flag.String("config", "", "Path to config file")
	roleNum := flag.Int("role", 0, "Role number from 'roles' output (for -run activate)")
	justification := flag.String("justification", "", "Activation justification (for -run activate)")
	duration := flag.Int("duration", 0, "Activation duration in minutes (for -run activate)")
	flag.Parse()

	// Initialize logging first (allow override via env)
	logLevel := logging.LevelInfo
	if v := strings.TrimSpace(os.Getenv("AZUREPIM_LOG_LEVEL")); v != "" {
		switch strings.ToUpper(v) {
		case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
			logLevel = strings.ToUpper(v)
		}
	}
	if err := logging.Init(logLevel); err != nil {
		fmt.Printf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logging.Close()

	logging.Info("Starting azurepim")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Configuration error:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("Configuration error:", err)
		os.Exit(1)
	}

	if *runCmd != "" {
		if err := runNonInteractiveCommand(*runCmd, &cfg, *roleNum, *justification, *duration); err != nil {
			logging.Error("Non-interactive command failed", "command", *runCmd, "error", err.Error())
			fmt.Printf("Error running command '%s': %v\n", *runCmd, err)
			os.Exit(1)
		}
		return
	}

	runHeadless(&cfg)
}

// newApp wires the application with stdout-printing event handlers.
func newApp(cfg *config.Config, signedIn chan<- struct{}, failed chan<- string) *app.App {
	events := app.Events{
		Authenticating: func() {
			fmt.Println("Waiting for browser sign-in...")
		},
		SignedIn: func(info *graph.UserInfo, expiresAt time.Time) {
			fmt.Printf("Signed in as %s (%s)\n", info.DisplayName, info.Email)
			fmt.Printf("Tenant: %s\n", info.TenantName)
			fmt.Printf("Token expires in %s\n", auth.FormatDuration(time.Until(expiresAt)))
			if signedIn != nil {
				signedIn <- struct{}{}
			}
		},
		TokenRefreshed: func(expiresAt time.Time) {
			logging.Info("Token refreshed", "expires", expiresAt.Format(time.RFC3339))
		},
		Error: func(message string) {
			if failed != nil {
				failed <- message
			}
		},
	}

	return app.New(cfg,
		auth.NewOAuthClient(cfg.OAuth),
		keychain.NewStore(),
		graph.NewClient(cfg.API.GraphBaseURL),
		pim.NewClient(),
		events)
}

// runHeadless restores the session and keeps the refresh loop alive until
// interrupted.
func runHeadless(cfg *config.Config) {
	a := newApp(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err := a.RestoreSession(ctx)
	cancel()
	if err != nil {
		fmt.Println("No session to restore. Run with -run=login first.")
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("Shutting down")
}

func runNonInteractiveCommand(command string, cfg *config.Config, roleNum int, justification string, durationMinutes int) error {
	logging.Info("Running non-interactive command", "command", command)

	switch command {
	case "login":
		return loginCommand(cfg)
	case "refresh":
		return refreshCommand(cfg)
	case "whoami":
		return whoamiCommand()
	case "roles":
		return rolesCommand(cfg)
	case "activate":
		return activateCommand(cfg, roleNum, justification, durationMinutes)
	case "logout":
		return logoutCommand(cfg)
	default:
		return fmt.Errorf("unknown command: %s. Available commands: login, refresh, whoami, roles, activate, logout", command)
	}
}

func loginCommand(cfg *config.Config) error {
	signedIn := make(chan struct{}, 1)
	failed := make(chan string, 1)
	a := newApp(cfg, signedIn, failed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := a.StartSignIn(ctx); err != nil {
		return err
	}

	select {
	case <-signedIn:
		return nil
	case msg := <-failed:
		return fmt.Errorf("%s", msg)
	case <-ctx.Done():
		a.CancelSignIn()
		return fmt.Errorf("sign-in timed out")
	}
}

func refreshCommand(cfg *config.Config) error {
	a := newApp(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.RefreshNow(ctx); err != nil {
		return err
	}

	store := keychain.NewStore()
	if expiry, err := store.TokenExpiry(); err == nil {
		if remaining, ok := auth.TimeUntilExpiry(expiry); ok {
			fmt.Printf("Token refreshed, expires in %s\n", auth.FormatDuration(remaining))
		}
	}
	return nil
}

func whoamiCommand() error {
	store := keychain.NewStore()

	js, err := store.UserInfo()
	if err != nil {
		return fmt.Errorf("not signed in. Run with -run=login first")
	}
	info, err := graph.UserInfoFromJSON(js)
	if err != nil {
		return fmt.Errorf("stored session is unreadable. Run with -run=login")
	}

	fmt.Printf("Signed in as %s (%s)\n", info.DisplayName, info.Email)
	fmt.Printf("Tenant: %s (%s)\n", info.TenantName, info.TenantID)
	if expiry, err := store.TokenExpiry(); err == nil {
		if remaining, ok := auth.TimeUntilExpiry(expiry); ok {
			fmt.Printf("Token expires in %s\n", auth.FormatDuration(remaining))
		} else {
			fmt.Println("Token expired")
		}
	}
	return nil
}

// restoredApp restores the stored session for commands that need a live
// token.
func restoredApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	a := newApp(cfg, nil, nil)
	if err := a.RestoreSession(ctx); err != nil {
		return nil, fmt.Errorf("no valid session. Run with -run=login first")
	}
	return a, nil
}

func printRoles(eligible []pim.EligibleRole, active []pim.ActiveAssignment) {
	fmt.Printf("Eligible roles (%d):\n", len(eligible))
	for i, r := range eligible {
		fmt.Printf("%d. %s\n", i+1, r.DisplayText())
	}
	if len(active) > 0 {
		fmt.Printf("Active assignments (%d):\n", len(active))
		for _, a := range active {
			fmt.Printf("   %s\n", a.DisplayTextWithTime())
		}
	}
}

func rolesCommand(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := restoredApp(ctx, cfg)
	if err != nil {
		return err
	}
	eligible, active, err := a.RefreshRoles(ctx, false)
	if err != nil {
		return err
	}
	printRoles(eligible, active)
	return nil
}

func activateCommand(cfg *config.Config, roleNum int, justification string, durationMinutes int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := restoredApp(ctx, cfg)
	if err != nil {
		return err
	}

	eligible, active, err := a.RefreshRoles(ctx, false)
	if err != nil {
		return err
	}
	printRoles(eligible, active)

	if roleNum < 1 || roleNum > len(eligible) {
		return fmt.Errorf("pass -role with a role number between 1 and %d", len(eligible))
	}
	if justification == "" {
		return fmt.Errorf("pass -justification, e.g. %q", pim.BuiltinPresets()[0].Justification)
	}
	if durationMinutes <= 0 {
		durationMinutes = pim.LoadSettings().DefaultDurationMinutes
	}

	role := eligible[roleNum-1]
	assignment, err := a.ActivateRole(ctx, role, justification, time.Duration(durationMinutes)*time.Minute)
	if err != nil {
		return err
	}

	fmt.Printf("Activated %s - %s until %s\n",
		assignment.SubscriptionName, assignment.RoleName,
		assignment.EndTime.Local().Format("15:04"))
	return nil
}

func logoutCommand(cfg *config.Config) error {
	a := newApp(cfg, nil, nil)
	a.SignOut()
	fmt.Println("Signed out and cleared stored credentials.")
	return nil
}
