package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// relayFlags select how a client command reaches the relay.
type relayFlags struct {
	local bool
	owner string
	token string
}

func (f *relayFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.local, "local", false, "use the storage area directly instead of a running relay")
	cmd.Flags().StringVar(&f.owner, "owner", "local", "owner id for --local")
	cmd.Flags().StringVar(&f.token, "token", "", "relay token (default: RELAY_TOKEN or the keychain)")
}

// open returns the relay for a command and a function releasing what it opened.
func (f *relayFlags) open(ctx context.Context, a *app) (Relay, func(), error) {
	if f.local {
		svc, closeFn, err := buildService(ctx, a.cfg, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return svc.For(f.owner), closeFn, nil
	}

	token := f.token
	if token == "" {
		token = os.Getenv("RELAY_TOKEN")
	}
	if token == "" {
		stored, err := NewTokenStore().Load(a.cfg.Profile)
		if err != nil {
			a.logger.Warn("keychain unavailable", "error", err)
		}
		token = stored
	}
	return NewHTTPRelay(a.cfg, token, nil), func() {}, nil
}

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read, change or reset the settings record"}

	var getFlags relayFlags
	get := &cobra.Command{
		Use:   "get",
		Short: "Show the saved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := getFlags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			s, err := relay.GetSettings(cmd.Context())
			if err != nil {
				return reportFailure(err)
			}
			printSettings(a.cfg.Profile, s)
			return nil
		},
	}
	getFlags.register(get)

	var (
		setFlags   relayFlags
		credential string
		resourceID string
		selected   string
		toggles    map[string]string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change settings and save them in one write",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, _ := LookupProfile(a.cfg.Profile)
			relay, done, err := setFlags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			s, err := relay.GetSettings(cmd.Context())
			if err != nil {
				return reportFailure(err)
			}
			if cmd.Flags().Changed("credential") {
				s.Credential = credential
			}
			if cmd.Flags().Changed("resource-id") {
				s.ResourceID = resourceID
				if id, ok := NormalizeResourceID(resourceID); ok {
					s.ResourceID = id
				}
			}
			if cmd.Flags().Changed("selected") {
				s.SelectedResource = selected
			}
			for name, raw := range toggles {
				on, err := strconv.ParseBool(raw)
				if err != nil {
					return &ValidationError{Field: name, Reason: "expected true or false"}
				}
				s.Toggles[name] = on
			}
			if err := validateForm(profile, s); err != nil {
				return err
			}

			if err := relay.SaveSettings(cmd.Context(), s); err != nil {
				return reportFailure(err)
			}
			pterm.Success.Println("Settings saved")
			return nil
		},
	}
	setFlags.register(set)
	set.Flags().StringVar(&credential, "credential", "", "integration token")
	set.Flags().StringVar(&resourceID, "resource-id", "", "database id or URL")
	set.Flags().StringVar(&selected, "selected", "", "selected resource")
	set.Flags().StringToStringVar(&toggles, "toggle", nil, "feature toggle, e.g. --toggle dedup=false")

	var (
		resetFlags         relayFlags
		includeCredentials bool
	)
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset settings to their defaults (credentials are kept unless asked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := resetFlags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			if err := relay.ResetSettings(cmd.Context(), includeCredentials); err != nil {
				return reportFailure(err)
			}
			pterm.Success.Println("Settings reset")
			return nil
		},
	}
	resetFlags.register(reset)
	reset.Flags().BoolVar(&includeCredentials, "include-credentials", false, "also clear the credential and database id")

	cmd.AddCommand(get, set, reset)
	return cmd
}

// validateForm runs the local checks before anything is sent. Empty fields are allowed.
func validateForm(profile Profile, s Settings) error {
	if s.Credential != "" && !ValidateCredential(profile.Service, s.Credential) {
		return &ValidationError{Field: KeyCredential, Reason: "does not match the " + profile.Service + " token format"}
	}
	if s.ResourceID != "" && !ValidateResourceID(s.ResourceID) {
		return &ValidationError{Field: KeyResourceID, Reason: "expected 32 hex digits, optionally hyphenated 8-4-4-4-12"}
	}
	for name := range s.Toggles {
		if !slices.ContainsFunc(profile.Toggles, func(t Toggle) bool { return t.Name == name }) {
			return &ValidationError{Field: name, Reason: "not a " + profile.Name + " toggle"}
		}
	}
	return nil
}

func newProbeCmd(a *app) *cobra.Command {
	var (
		flags      relayFlags
		credential string
		resourceID string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the credential can read the database (one request, no retry)",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := flags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			if credential == "" || resourceID == "" {
				s, err := relay.GetSettings(cmd.Context())
				if err != nil {
					return reportFailure(err)
				}
				credential = lo.Ternary(credential == "", s.Credential, credential)
				resourceID = lo.Ternary(resourceID == "", s.ResourceID, resourceID)
			}

			d, err := relay.TestConnection(cmd.Context(), ProbeRequest{Credential: credential, ResourceID: resourceID, Force: force})
			if err != nil {
				return reportFailure(err)
			}
			printDescriptor(d)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&credential, "credential", "", "integration token (default: saved)")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "database id (default: saved)")
	cmd.Flags().BoolVar(&force, "force", false, "skip local format checks")
	return cmd
}

func newResourcesCmd(a *app) *cobra.Command {
	var (
		flags      relayFlags
		credential string
	)
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the databases the credential can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := flags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			rs, err := relay.ListResources(cmd.Context(), credential)
			if err != nil {
				return reportFailure(err)
			}
			if len(rs) == 0 {
				pterm.Info.Println("No databases are shared with this integration")
				return nil
			}
			rows := pterm.TableData{{"ID", "Title", "URL"}}
			for _, r := range rs {
				rows = append(rows, []string{r.ID, r.Title, r.URL})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&credential, "credential", "", "integration token (default: saved)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Show, add to or clear the extraction history"}

	var listFlags relayFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List extractions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := listFlags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			entries, err := relay.GetHistory(cmd.Context())
			if err != nil {
				return reportFailure(err)
			}
			if len(entries) == 0 {
				pterm.Info.Println("No extractions yet")
				return nil
			}
			rows := pterm.TableData{{"ID", "Time", "Fields"}}
			for _, e := range entries {
				keys := lo.Keys(e.Fields)
				slices.Sort(keys)
				rows = append(rows, []string{e.ID, e.Timestamp.Format(time.RFC3339), strings.Join(keys, ", ")})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	listFlags.register(list)

	var (
		recordFlags relayFlags
		fields      map[string]string
	)
	record := &cobra.Command{
		Use:   "record",
		Short: "Append an extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := recordFlags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			e, err := relay.RecordExtraction(cmd.Context(), fields)
			if err != nil {
				return reportFailure(err)
			}
			pterm.Success.Printfln("Recorded %s", e.ID)
			return nil
		},
	}
	recordFlags.register(record)
	record.Flags().StringToStringVar(&fields, "field", nil, "extracted field, e.g. --field subject=Invoice")

	var clearFlags relayFlags
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := clearFlags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			if err := relay.ClearHistory(cmd.Context()); err != nil {
				return reportFailure(err)
			}
			pterm.Success.Println("History cleared")
			return nil
		},
	}
	clearFlags.register(clearCmd)

	cmd.AddCommand(list, record, clearCmd)
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		flags relayFlags
		dir   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the latest extraction as a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, done, err := flags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			exp, err := relay.ExportData(cmd.Context())
			if err != nil {
				return reportFailure(err)
			}
			path := filepath.Join(dir, filepath.Base(exp.Filename))
			if err := os.WriteFile(path, []byte(exp.Content), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			pterm.Success.Printfln("Wrote %s", path)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	return cmd
}

// newConfigureCmd is the options-page flow: load, stage edits, save, then probe.
func newConfigureCmd(a *app) *cobra.Command {
	var (
		flags      relayFlags
		credential string
		resourceID string
		toggles    map[string]string
		noProbe    bool
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Edit settings, save them and verify the connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, _ := LookupProfile(a.cfg.Profile)
			staged := Settings{Toggles: make(map[string]bool, len(toggles))}
			if cmd.Flags().Changed("credential") {
				staged.Credential = strings.TrimSpace(credential)
			}
			if cmd.Flags().Changed("resource-id") {
				if id, ok := NormalizeResourceID(resourceID); ok {
					resourceID = id
				}
				staged.ResourceID = strings.TrimSpace(resourceID)
			}
			for name, raw := range toggles {
				on, err := strconv.ParseBool(raw)
				if err != nil {
					return &ValidationError{Field: name, Reason: "expected true or false"}
				}
				staged.Toggles[name] = on
			}
			if err := validateForm(profile, staged); err != nil {
				return reportFailure(err)
			}

			relay, done, err := flags.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer done()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			ctl := NewController(relay, profile, a.cfg.StatusWindow, !noProbe)
			updates, unsubscribe := ctl.Subscribe()
			defer unsubscribe()
			go ctl.Run(ctx)

			v, err := ctl.Await(ctx, updates, LoadSettings{}, settled(ControlLoad))
			if err != nil {
				return err
			}
			if st := v.Controls[ControlLoad]; st.Phase == PhaseError {
				return reportFailure(errors.New(st.Message))
			}

			var edits []Command
			if cmd.Flags().Changed("credential") {
				edits = append(edits, EditField{Field: KeyCredential, Value: credential})
			}
			if cmd.Flags().Changed("resource-id") {
				edits = append(edits, EditField{Field: KeyResourceID, Value: resourceID})
			}
			for name, on := range staged.Toggles {
				edits = append(edits, ToggleFeature{Name: name, On: on})
			}
			for _, e := range edits {
				if v, err = ctl.Await(ctx, updates, e, func(View) bool { return true }); err != nil {
					return err
				}
			}

			if !v.Controls[ControlSubmit].Enabled {
				pterm.Warning.Printfln("Submit disabled: credential %s, database id %s", v.Credential, v.ResourceID)
				return &ValidationError{Field: "form", Reason: "fix the highlighted fields before saving"}
			}

			v, err = ctl.Await(ctx, updates, SubmitSettings{}, settled(ControlSubmit))
			if err != nil {
				return err
			}
			st := v.Controls[ControlSubmit]
			if st.Phase == PhaseError {
				return reportFailure(errors.New(st.Message))
			}
			pterm.Success.Println(st.Message)
			if v.Descriptor != nil {
				printDescriptor(*v.Descriptor)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&credential, "credential", "", "integration token")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "database id or URL")
	cmd.Flags().StringToStringVar(&toggles, "toggle", nil, "feature toggle, e.g. --toggle autoSave=true")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "save without testing the connection")
	return cmd
}

func settled(ctl Control) func(View) bool {
	return func(v View) bool {
		p := v.Controls[ctl].Phase
		return p == PhaseSuccess || p == PhaseError
	}
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage relay tokens"}

	var (
		subject string
		ttl     time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a relay token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireSecret(); err != nil {
				return err
			}
			token, err := MintToken(a.cfg.JWTSecret, a.cfg.JWTIssuer, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "owner id")
	mint.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime, 0 for none")
	mint.MarkFlagRequired("subject")

	var token string
	login := &cobra.Command{
		Use:   "login",
		Short: "Store a relay token in the OS keychain for this profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			if err := NewTokenStore().Save(a.cfg.Profile, token); err != nil {
				return err
			}
			pterm.Success.Printfln("Token stored for profile %s", a.cfg.Profile)
			return nil
		},
	}
	login.Flags().StringVar(&token, "token", "", "relay token")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored relay token for this profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewTokenStore().Delete(a.cfg.Profile); err != nil {
				return err
			}
			pterm.Success.Printfln("Token removed for profile %s", a.cfg.Profile)
			return nil
		},
	}

	cmd.AddCommand(mint, login, logout)
	return cmd
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List extension profiles and their toggle defaults",
		// Listing profiles needs no environment.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := pterm.TableData{{"Profile", "Toggle", "Default", "Description"}}
			for _, name := range ProfileNames() {
				p := profiles[name]
				for _, t := range p.Toggles {
					rows = append(rows, []string{p.Name, t.Name, strconv.FormatBool(t.Default), t.Help})
				}
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
}

// reportFailure shows the message verbatim and returns the error for the exit code.
func reportFailure(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		pterm.Warning.Println(err.Error())
	case errors.Is(err, ErrRelayUnavailable):
		pterm.Error.Println(err.Error())
		pterm.Info.Println("Is the relay running? Check RELAY_URL, or pass --local.")
	case errors.Is(err, ErrRelayUnauthorized):
		pterm.Error.Println(err.Error())
		pterm.Info.Println(`Run "extrelay token login" or pass --token.`)
	default:
		pterm.Error.Println(err.Error())
	}
	return err
}

func printSettings(profile string, s Settings) {
	rows := pterm.TableData{{"Setting", "Value"}}
	rows = append(rows, []string{"profile", profile})
	rows = append(rows, []string{KeyCredential, maskSecret(s.Credential)})
	rows = append(rows, []string{KeyResourceID, orDash(s.ResourceID)})
	rows = append(rows, []string{KeySelectedResource, orDash(s.SelectedResource)})
	names := lo.Keys(s.Toggles)
	slices.Sort(names)
	for _, n := range names {
		rows = append(rows, []string{n, strconv.FormatBool(s.Toggles[n])})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printDescriptor(d ResourceDescriptor) {
	rows := pterm.TableData{{"Property", "Value"}}
	rows = append(rows, []string{"ID", d.ID})
	rows = append(rows, []string{"Title", d.Title})
	rows = append(rows, []string{"Columns", d.PropertySummary})
	rows = append(rows, []string{"Meets requirements", strconv.FormatBool(d.MeetsRequirements)})
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	for _, w := range d.Warnings {
		pterm.Warning.Println(w)
	}
}

func maskSecret(s string) string {
	if len(s) <= 12 {
		return orDash(strings.Repeat("*", len(s)))
	}
	return s[:7] + strings.Repeat("*", len(s)-11) + s[len(s)-4:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
