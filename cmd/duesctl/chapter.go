package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/forecast"
	"chapter_dues/internal/services"
)

func forecastCmd() *cobra.Command {
	var chapterID uint
	var days int
	var all bool
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Project a chapter's balance over 30, 60 or 90 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			horizon, err := forecast.ParseHorizon(days)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := forecast.NewAggregator(a.Store, a.Log).Forecast(cmd.Context(), chapterID, horizon)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Chapter %d, %d days from balance %s\n", f.ChapterID, int(f.Horizon), f.BaseBalance.StringFixed(2))
			for _, p := range f.Points {
				if !all && p.Adjustment.IsZero() {
					continue
				}
				tags := make([]string, len(p.Tags))
				for i, t := range p.Tags {
					tags[i] = string(t)
				}
				fmt.Fprintf(out, "%s  %10s  %10s  %s\n", p.Date.Format(dateLayout), p.Adjustment.StringFixed(2), p.ProjectedBalance.StringFixed(2), strings.Join(tags, ","))
			}
			fmt.Fprintf(out, "Lowest balance %s on %s\n", f.MinBalance.StringFixed(2), f.MinDate.Format(dateLayout))
			if w := f.Warning(); w != "" {
				fmt.Fprintf(out, "WARNING: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().UintVarP(&chapterID, "chapter", "c", 0, "Chapter ID")
	cmd.Flags().IntVarP(&days, "days", "d", int(forecast.Horizon30), "Horizon in days (30, 60, 90)")
	cmd.Flags().BoolVar(&all, "all", false, "Print days without adjustments too")
	cmd.MarkFlagRequired("chapter")
	return cmd
}

// mailingLateFeeStore applies late fees and mails the members before
// returning, so the notices go out before the command exits
type mailingLateFeeStore struct {
	*services.Store
	mail *services.EmailService
}

func (s *mailingLateFeeStore) ApplyLateFee(ctx context.Context, chapterID uint, amount decimal.Decimal, targets []decimal.Decimal, excludePartial bool) (int, error) {
	rows, err := s.Store.ApplyLateFeeRows(ctx, chapterID, amount, targets, excludePartial)
	if err != nil {
		return 0, err
	}
	if sent, err := s.mail.NotifyLateFee(rows); err != nil {
		return len(rows), fmt.Errorf("late fee applied but only %d of %d notices were sent: %w", sent, len(rows), err)
	}
	return len(rows), nil
}

func lateFeeCmd() *cobra.Command {
	var chapterID uint
	var fee string
	var targets []string
	var excludePartial, apply bool
	cmd := &cobra.Command{
		Use:   "late-fee",
		Short: "Preview, and optionally apply, a late fee to members owing the target balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(fee)
			if err != nil {
				return fmt.Errorf("invalid fee %q: %w", fee, err)
			}
			balances, err := parseDecimals(targets)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			applicator := dues.NewLateFeeApplicator(&mailingLateFeeStore{Store: a.Store, mail: a.Mail}, chapterID, a.Log)
			if err := applicator.SetFee(amount); err != nil {
				return err
			}
			applicator.SetTargets(balances)
			applicator.SetExcludePartial(excludePartial)

			members, err := applicator.Preview(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range members {
				fmt.Fprintf(out, "%6d  %-24s  %-8s  %10s -> %10s\n", m.DuesID, m.MemberName, m.Status, m.CurrentBalance.StringFixed(2), m.NewBalance.StringFixed(2))
			}
			fmt.Fprintf(out, "%d member(s) would be charged %s\n", len(members), amount.StringFixed(2))
			if !apply {
				return nil
			}

			updated, err := applicator.Apply(cmd.Context())
			if updated > 0 {
				fmt.Fprintf(out, "Late fee applied to %d member(s)\n", updated)
			}
			return err
		},
	}
	cmd.Flags().UintVarP(&chapterID, "chapter", "c", 0, "Chapter ID")
	cmd.Flags().StringVarP(&fee, "fee", "f", "", "Late fee amount")
	cmd.Flags().StringSliceVarP(&targets, "targets", "t", nil, "Outstanding balances to charge, comma separated")
	cmd.Flags().BoolVar(&excludePartial, "exclude-partial", false, "Skip partially paid members")
	cmd.Flags().BoolVar(&apply, "apply", false, "Apply the fee after the preview")
	cmd.MarkFlagRequired("chapter")
	cmd.MarkFlagRequired("fee")
	cmd.MarkFlagRequired("targets")
	return cmd
}
