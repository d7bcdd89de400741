// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/frontend"
	"github.com/AleutianAI/TenantLetter/services/terminal"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
)

var (
	configPath  string
	dotEnvFiles []string

	serveWithAPI bool

	terminalOut        string
	terminalSession    string
	terminalAccessible bool
)

// current is set by the root pre-run hook and closed by main.
var current *app

var (
	rootCmd = &cobra.Command{
		Use:   "tenantletter",
		Short: "Write and send a letter to your landlord",
		Long: `Tenant Letter asks a few questions about a problem with your rental,
drafts a letter from the answers, lets you edit it, renders it as a PDF and
can send it by certified mail.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the web wizard",
		Long: `Serves the wizard pages. Text and PDF generation are requested from the
letter API at frontend.text_url and frontend.pdf_url; pass --with-api to run
the API in the same process.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	apiCmd = &cobra.Command{
		Use:   "api",
		Short: "Run the letter API",
		Args:  cobra.NoArgs,
		RunE:  runAPI,
	}

	terminalCmd = &cobra.Command{
		Use:     "terminal",
		Aliases: []string{"tui"},
		Short:   "Run the wizard in the terminal",
		Long: `Walks through the same pages as the web wizard. Answers are saved as you
go, so running the command again with the same --session picks up where you
left off. The letter API must be reachable.`,
		Args: cobra.NoArgs,
		RunE: runTerminal,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml. Defaults apply when empty.")
	rootCmd.PersistentFlags().StringSliceVar(&dotEnvFiles, "env-file", nil, "Environment files loaded before the config (default .env)")

	serveCmd.Flags().BoolVar(&serveWithAPI, "with-api", false, "Also run the letter API in this process")

	terminalCmd.Flags().StringVarP(&terminalOut, "out", "o", ".", "Directory for the finished PDF")
	terminalCmd.Flags().StringVar(&terminalSession, "session", "", "Session name. The same name resumes saved answers (default $USER)")
	terminalCmd.Flags().BoolVar(&terminalAccessible, "accessible", false, "Plain line prompts for screen readers")

	rootCmd.AddCommand(serveCmd, apiCmd, terminalCmd, configCmd)
}

// setup loads configuration and builds the shared app for every command.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(dotEnvFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// The terminal owns stdout and stderr while prompting.
	console := cmd != terminalCmd
	a, err := newApp(cmd.Context(), cfg, cmd.Name(), console, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	current = a
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a := current
	deps, err := a.sessionDeps(cmd.Context())
	if err != nil {
		return err
	}
	sessions := session.NewManager(deps, session.WithIdleTimeout(a.cfg.Frontend.SessionIdle))
	web, err := frontend.New(frontend.ConfigFrom(a.cfg), frontend.Deps{
		Sessions: sessions,
		Metrics:  a.metrics,
		Logger:   a.log.Slog(),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	if serveWithAPI {
		api, err := a.letterAPI()
		if err != nil {
			return err
		}
		g.Go(func() error { return api.Run(ctx) })
	}
	g.Go(func() error { return web.Run(ctx) })

	a.log.Info("Starting tenantletter",
		"frontend", a.cfg.Frontend.Addr,
		"store", a.cfg.Storage.Backend,
		"mail", a.cfg.Mail.Enabled,
		"with_api", serveWithAPI)
	return g.Wait()
}

func runAPI(cmd *cobra.Command, _ []string) error {
	api, err := current.letterAPI()
	if err != nil {
		return err
	}
	current.log.Info("Starting tenantletter", "api", current.cfg.API.Addr, "providers", current.cfg.LLM.Providers)
	return api.Run(cmd.Context())
}

func runTerminal(cmd *cobra.Command, _ []string) error {
	a := current
	ctx := cmd.Context()
	deps, err := a.sessionDeps(ctx)
	if err != nil {
		return err
	}
	sess := session.New(terminalSessionID(terminalSession), &deps)
	defer sess.Close()

	plain := !terminal.IsTerminal(os.Stdout)
	printer := terminal.NewPrinter(os.Stdout, plain)
	prompt := terminal.NewHuhPrompter(os.Stdin, os.Stdout, terminalAccessible || plain)
	wiz := terminal.New(terminal.Config{
		OutputDir:   terminalOut,
		MailEnabled: a.cfg.Mail.Enabled,
	}, sess, prompt, printer,
		terminal.WithSolver(terminal.ChallengeSolver(a.client, a.cfg.Frontend.ChallengeURL)),
		terminal.WithLogger(a.log.Slog()))

	res, err := wiz.Run(ctx)
	switch {
	case errors.Is(err, terminal.ErrTermsDeclined), errors.Is(err, terminal.ErrAbandoned):
		printer.Info("Your answers are saved. Run the command again to continue.")
		return nil
	case err != nil:
		return err
	}
	a.log.Info("Terminal wizard finished", "path", res.Path, "mailed", res.Mailed, "handoff", res.Handoff)
	return nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	out, err := yaml.Marshal(current.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
