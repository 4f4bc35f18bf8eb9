package cmd

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/clock/system"
	"github.com/JakeFAU/answerability-auditor/internal/id/uuid"
)

func newCreateCmd() *cobra.Command {
	var maxPages int
	var queries []string
	var run bool
	cmd := &cobra.Command{
		Use:   "create <domain>",
		Short: "Create an audit, optionally driving it to completion in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}

			domain := audit.NormalizeDomain(args[0])
			if err := validator.New().Var(domain, "required,fqdn"); err != nil {
				return fmt.Errorf("invalid domain %q", args[0])
			}
			if maxPages == 0 {
				maxPages = cfg.Crawl.MaxPagesDefault
			}
			if maxPages < 1 || maxPages > cfg.Crawl.MaxPagesLimit {
				return fmt.Errorf("max-pages must be between 1 and %d", cfg.Crawl.MaxPagesLimit)
			}

			id, err := uuid.New().NewID()
			if err != nil {
				return fmt.Errorf("generate audit id: %w", err)
			}
			a := audit.New(id, domain, maxPages, queries, system.New().Now())
			if err := app.Store().CreateAudit(cmd.Context(), a); err != nil {
				return fmt.Errorf("create audit: %w", err)
			}
			app.Logger().Info("audit created", zap.String("audit_id", id), zap.String("domain", domain))
			if !run {
				return printJSON(cmd.OutOrStdout(), a)
			}

			loop := tickLoop{
				ticker:    app.Ticker(),
				untilDone: true,
				maxTicks:  defaultMaxTicks,
				idlePause: cfg.ChainDelay(),
				out:       cmd.ErrOrStderr(),
				logger:    app.Logger(),
			}
			if err := loop.drive(cmd.Context(), id); err != nil {
				return err
			}
			final, err := app.Store().GetAudit(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("load audit: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), final)
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "crawl cap (defaults to crawl.max_pages_default)")
	cmd.Flags().StringArrayVar(&queries, "query", nil, "citation query; repeat for several (defaults to the configured templates)")
	cmd.Flags().BoolVar(&run, "run", false, "tick the audit until it completes")
	return cmd
}
