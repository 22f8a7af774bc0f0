package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/model"
)

var adjudicateCmd = &cobra.Command{
	Use:   "adjudicate",
	Short: "Adjudicate claims and print the results",
	Long: `Adjudicates one claim built from flags, or every claim in a JSON file
(a single object or an array). Use --file - to read from stdin.`,
	Example: `  rxclaims adjudicate --member M0001 --pharmacy PH001 --ndc 00093715301 --quantity 30 --days-supply 30 --dos 2024-03-15 --ingredient-cost 12.50
  rxclaims adjudicate --file claims.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		claims, err := adjudicateInput(cmd)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "adjudicate")
		if err != nil {
			return err
		}
		defer env.Close()

		results := make([]*model.AdjudicationResult, 0, len(claims))
		for _, c := range claims {
			res := env.Pipeline.Adjudicate(ctx, c)
			zap.L().Debug("claim adjudicated",
				zap.String("claim", res.ClaimNumber),
				zap.String("status", string(res.Status)),
			)
			results = append(results, res)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if len(results) == 1 {
			return enc.Encode(results[0])
		}
		return enc.Encode(results)
	},
}

func init() {
	addClaimFlags(adjudicateCmd)
	rootCmd.AddCommand(adjudicateCmd)
}

func addClaimFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("file", "", "JSON file of claims (- for stdin)")
	f.String("claim-number", "", "claim number (generated when empty)")
	f.String("member", "", "member id")
	f.String("pharmacy", "", "pharmacy id")
	f.String("ndc", "", "national drug code")
	f.String("quantity", "", "quantity dispensed")
	f.Int("days-supply", 0, "days supply")
	f.Int("refill", 0, "refill number")
	f.String("dos", "", "date of service (YYYY-MM-DD, default today)")
	f.String("ingredient-cost", "0", "submitted ingredient cost")
	f.String("dispensing-fee", "0", "submitted dispensing fee")
}

// adjudicateInput returns the claims named by --file or built from flags.
func adjudicateInput(cmd *cobra.Command) ([]model.ClaimRequest, error) {
	path, _ := cmd.Flags().GetString("file")
	if path != "" {
		var r io.Reader = cmd.InOrStdin()
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return nil, eris.Wrapf(err, "open %s", path)
			}
			defer f.Close() //nolint:errcheck
			r = f
		}
		return decodeClaims(r)
	}
	c, err := claimFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	return []model.ClaimRequest{c}, nil
}

// decodeClaims reads a JSON claim object or an array of them.
func decodeClaims(r io.Reader) ([]model.ClaimRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "read claims")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("no claims in input")
	}

	if data[0] == '[' {
		var claims []model.ClaimRequest
		if err := json.Unmarshal(data, &claims); err != nil {
			return nil, eris.Wrap(err, "decode claims")
		}
		if len(claims) == 0 {
			return nil, eris.New("no claims in input")
		}
		return claims, nil
	}

	var c model.ClaimRequest
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "decode claim")
	}
	return []model.ClaimRequest{c}, nil
}

func claimFromFlags(cmd *cobra.Command) (model.ClaimRequest, error) {
	f := cmd.Flags()
	var c model.ClaimRequest
	c.ClaimNumber, _ = f.GetString("claim-number")
	c.MemberID, _ = f.GetString("member")
	c.PharmacyID, _ = f.GetString("pharmacy")
	c.DrugCode, _ = f.GetString("ndc")
	c.DaysSupply, _ = f.GetInt("days-supply")
	c.RefillNumber, _ = f.GetInt("refill")
	c.ReceivedAt = time.Now().UTC()

	if c.MemberID == "" || c.PharmacyID == "" || c.DrugCode == "" {
		return c, eris.New("--member, --pharmacy and --ndc are required without --file")
	}

	amounts := []struct {
		flag string
		dst  *decimal.Decimal
	}{
		{"quantity", &c.Quantity},
		{"ingredient-cost", &c.IngredientCost},
		{"dispensing-fee", &c.DispensingFee},
	}
	for _, a := range amounts {
		s, _ := f.GetString(a.flag)
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return c, eris.Wrapf(err, "--%s", a.flag)
		}
		*a.dst = d
	}

	dos, _ := f.GetString("dos")
	if dos == "" {
		c.DateOfService = model.DateOf(c.ReceivedAt)
	} else {
		d, err := model.ParseDate(dos)
		if err != nil {
			return c, eris.Wrap(err, "--dos")
		}
		c.DateOfService = d
	}
	return c, nil
}
