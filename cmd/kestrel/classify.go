package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/fraud"
)

func classifyCmd() *cobra.Command {
	var (
		amount   string
		location string
		country  string
		priors   []string
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Run the fraud classifier on one transaction without a server",
		Example: `  kestrel classify --amount 120 --location "Paris, France" --country USA
  kestrel classify --amount 40 --location "Boston, USA" --country USA \
      --prior "New York, USA@2026-01-02T10:00:00Z"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := classifyInput(amount, location, country, priors)
			if err != nil {
				return err
			}

			decision, err := fraud.Classify(in)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}

	cmd.Flags().StringVar(&amount, "amount", "", "transaction amount (required)")
	cmd.Flags().StringVar(&location, "location", "", `transaction location, "City, Country"`)
	cmd.Flags().StringVar(&country, "country", "", "the owner's home country")
	cmd.Flags().StringArrayVar(&priors, "prior", nil, `prior transaction as "LOCATION@RFC3339"; repeatable`)
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func classifyInput(amount, location, country string, priors []string) (fraud.Input, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return fraud.Input{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	in := fraud.Input{
		Amount:      amt,
		Location:    location,
		UserCountry: country,
	}

	for _, p := range priors {
		i := strings.LastIndex(p, "@")
		if i < 0 {
			return fraud.Input{}, fmt.Errorf("invalid prior %q: want LOCATION@RFC3339", p)
		}
		ts, err := time.Parse(time.RFC3339, p[i+1:])
		if err != nil {
			return fraud.Input{}, fmt.Errorf("invalid prior timestamp %q: %w", p[i+1:], err)
		}
		in.History = append(in.History, fraud.Prior{Location: p[:i], Timestamp: ts})
	}

	return in, nil
}
