package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/storefront-dev/storefront-cli/internal/auth"
	"github.com/storefront-dev/storefront-cli/internal/callback"
	"github.com/storefront-dev/storefront-cli/internal/config"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitAuth    = 2 // Not signed in
	ExitConfig  = 3
)

// Login flags
var (
	loginNoBrowser bool
	loginTimeout   time.Duration
)

// Logout flags
var logoutLocal bool

var rootCmd = &cobra.Command{
	Use:   "storefront",
	Short: "Storefront account CLI",
	Long: `Command-line client for a Storefront backend.

Signs in through the backend's OAuth2 authorization-code flow, keeps the
session on disk, and transparently refreshes expired access tokens while
talking to the API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// overrideExitCode is set by subcommands (whoami, check-config) so main()
// can call os.Exit() after cobra finishes.  This avoids calling os.Exit()
// inside RunE which would bypass deferred functions.  -1 means "use
// default".
var overrideExitCode = -1

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through the browser",
	Long: `Start the OAuth2 authorization-code flow.

The command opens the backend's authorization URL in the browser, runs a
local HTTP server to receive the redirect, exchanges the authorization
code for tokens, and stores the session on disk.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	Long: `End the session.

By default the backend is notified and the local session is cleared; the
printed identity-provider URL completes the single sign-out in the
browser. With --local only the on-disk session is removed.`,
	RunE: runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	RunE:  runWhoami,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the account profile",
	RunE:  runProfile,
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Inspect and change account preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the stored preferences",
	RunE:  runPrefsGet,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set key=value [key=value...]",
	Short: "Update preferences",
	Long: `Update account preferences.

Values are parsed as JSON where possible (true, 42, ["a","b"]); anything
that does not parse is stored as a string.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrefsSet,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend availability",
	RunE:  runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration without contacting the backend.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

// defaultConfigFile returns the per-user config path, or a relative
// fallback when the user config dir is unknown.
func defaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "storefront.yaml"
	}
	return filepath.Join(dir, "storefront", "config.yaml")
}

func init() {
	// A .env next to the binary can hold STOREFRONT_* overrides.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile(),
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false,
		"Print the sign-in URL instead of opening the browser")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute,
		"How long to wait for the browser sign-in to complete")

	logoutCmd.Flags().BoolVar(&logoutLocal, "local", false,
		"Clear the local session without notifying the backend")

	prefsCmd.AddCommand(prefsGetCmd)
	prefsCmd.AddCommand(prefsSetCmd)

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(prefsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runLogin drives the full browser sign-in.
func runLogin(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	req, err := a.auth.InitiateLogin("http://" + a.cfg.OAuth.CallbackListen)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	srv, err := callback.NewServer(a.cfg.OAuth.CallbackListen, req.State)
	if err != nil {
		return fmt.Errorf("failed to create callback server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start callback server: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Printf("    %s\n", req.AuthURL)
	fmt.Println()

	if !loginNoBrowser {
		if err := openBrowser(req.AuthURL); err != nil {
			slog.Debug("failed to open browser", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	code, err := srv.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timed out waiting for the browser sign-in")
		}
		return err
	}

	sess, err := a.auth.ExchangeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	if sess.UserInfo != nil && sess.UserInfo.Email != "" {
		fmt.Printf("Signed in as %s\n", sess.UserInfo.Email)
	} else {
		fmt.Println("Signed in")
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	if logoutLocal {
		a.auth.LogoutLocal()
		fmt.Println("Local session cleared")
		return nil
	}

	result, err := a.auth.Logout(cmd.Context())
	if err != nil {
		fmt.Println("Local session cleared")
		return fmt.Errorf("server logout failed: %w", err)
	}

	fmt.Println("Signed out")
	if result.IdpLogoutURL != "" {
		fmt.Println()
		fmt.Println("To finish signing out of the identity provider, open:")
		fmt.Printf("    %s\n", result.IdpLogoutURL)
	}
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	a.state.Load(cmd.Context())
	st := a.state.Current()

	if !st.IsAuthenticated() {
		fmt.Println("Not signed in")
		overrideExitCode = ExitAuth
		return nil
	}

	switch {
	case st.Profile != nil:
		printIdentity(st.Profile.Name, st.Profile.Email, st.Profile.UserID)
	case st.User != nil:
		printIdentity(st.User.Name, st.User.Email, st.User.UserID)
	default:
		// Backend unreachable; fall back to the claims of the stored
		// access token, without verifying the signature.
		name, email, sub := tokenIdentity(st.Session.AccessToken)
		if email == "" && sub == "" {
			return fmt.Errorf("signed in, but the identity could not be determined")
		}
		printIdentity(name, email, sub)
		fmt.Println("(from the cached token; the backend could not be reached)")
	}
	return nil
}

func printIdentity(name, email, id string) {
	if name != "" {
		fmt.Println(name)
	}
	if email != "" {
		fmt.Printf("  Email: %s\n", email)
	}
	if id != "" {
		fmt.Printf("  ID:    %s\n", id)
	}
}

// tokenIdentity extracts identity claims from a JWT without verification.
// The token was issued to us; this is display-only.
func tokenIdentity(accessToken string) (name, email, sub string) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return "", "", ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ""
	}
	name, _ = claims["name"].(string)
	email, _ = claims["email"].(string)
	sub, _ = claims["sub"].(string)
	return name, email, sub
}

func runProfile(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	profile, err := a.users.Profile(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	fmt.Printf("Username: %s\n", profile.Username)
	if profile.Name != "" {
		fmt.Printf("Name:     %s\n", profile.Name)
	}
	if profile.Email != "" {
		fmt.Printf("Email:    %s\n", profile.Email)
	}
	if len(profile.Roles) > 0 {
		fmt.Printf("Roles:    %s\n", strings.Join(profile.Roles, ", "))
	}
	return nil
}

func runPrefsGet(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	user, err := a.users.CurrentUser(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	out, err := json.MarshalIndent(user.Preferences, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	prefs := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid preference %q, expected key=value", arg)
		}
		prefs[key] = parsePrefValue(value)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}

	updated, err := a.users.UpdatePreferences(cmd.Context(), prefs)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}

	out, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parsePrefValue interprets a value as JSON when possible, falling back to
// the raw string.
func parsePrefValue(value string) any {
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		return parsed
	}
	return value
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	health, err := a.auth.HealthCheck(cmd.Context())
	if err != nil {
		return fmt.Errorf("backend is unreachable: %w", err)
	}

	fmt.Printf("Status:    %s\n", health.Status)
	if health.Timestamp != "" {
		fmt.Printf("Timestamp: %s\n", health.Timestamp)
	}
	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("storefront version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err == nil {
		err = cfg.ValidateOrigin()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Backend origin:  %s\n", cfg.Backend.Origin)
	if cfg.Backend.APIPrefix != "" {
		fmt.Printf("  API prefix:      %s\n", cfg.Backend.APIPrefix)
	}
	if cfg.Backend.AuthOrigin != "" {
		fmt.Printf("  Auth origin:     %s\n", cfg.Backend.AuthOrigin)
	}
	fmt.Printf("  Client ID:       %s\n", cfg.OAuth.ClientID)
	fmt.Printf("  Callback:        http://%s%s\n", cfg.OAuth.CallbackListen, auth.CallbackPath)
	if cfg.Session.File != "" {
		fmt.Printf("  Session file:    %s\n", cfg.Session.File)
	}
	fmt.Printf("  HTTP timeout:    %d seconds\n", cfg.HTTP.TimeoutSeconds)
	fmt.Printf("  Log level:       %s\n", cfg.Log.Level)
	fmt.Printf("  Log format:      %s\n", cfg.Log.Format)

	return nil
}

// openBrowser launches the platform browser for url. Best effort.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
