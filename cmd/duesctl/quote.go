package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

const dateLayout = "2006-01-02"

func feeCmd() *cobra.Command {
	var amount, method string
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Quote the processing fee for a payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			q, err := dues.CalculateFee(amt, models.MethodType(method))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Method: %s\n", q.Method)
			fmt.Fprintf(out, "Amount: %s\n", q.Amount.StringFixed(2))
			fmt.Fprintf(out, "Fee:    %s\n", q.Fee.StringFixed(2))
			fmt.Fprintf(out, "Total:  %s\n", q.Total.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Payment amount")
	cmd.Flags().StringVarP(&method, "method", "m", string(models.MethodCard), "Payment method (card, bank)")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var balance, start, deadline string
	var n int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview an installment schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			bal, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", balance, err)
			}
			end, err := time.Parse(dateLayout, deadline)
			if err != nil {
				return fmt.Errorf("invalid deadline: %w", err)
			}
			from := time.Now()
			if start != "" {
				if from, err = time.Parse(dateLayout, start); err != nil {
					return fmt.Errorf("invalid start: %w", err)
				}
			}

			plan, err := dues.ScheduleInstallments(bal, n, from, end)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, inst := range plan {
				due := ""
				if inst.DueNow {
					due = " (due now)"
				}
				fmt.Fprintf(out, "%d  %s  %10s%s\n", inst.Sequence, inst.DueDate.Format(dateLayout), inst.Amount.StringFixed(2), due)
			}
			fmt.Fprintf(out, "Total: %s\n", dues.SumInstallments(plan).StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVarP(&balance, "balance", "b", "", "Balance to split")
	cmd.Flags().IntVarP(&n, "installments", "n", 2, "Number of installments")
	cmd.Flags().StringVar(&start, "start", "", "First installment date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Last installment date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("balance")
	cmd.MarkFlagRequired("deadline")
	return cmd
}
