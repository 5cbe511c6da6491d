package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"fee-lens/pkg/analyzer"
	"fee-lens/pkg/app"
	"fee-lens/pkg/broadcast"
	"fee-lens/pkg/config"
	"fee-lens/pkg/fees"
	"fee-lens/pkg/log"
	"fee-lens/pkg/parser"
	"fee-lens/pkg/txsize"
	"fee-lens/pkg/types"

	"github.com/spf13/cobra"
)

// cliError carries the code printed in the JSON error output.
type cliError struct {
	code string
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func fail(code string, err error) error { return &cliError{code: code, err: err} }

type globals struct {
	configFile string
	network    string
	logLevel   string
}

func main() {
	var g globals
	root := &cobra.Command{
		Use:           "fee-lens",
		Short:         "Bitcoin transaction size, fee and broadcast toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return log.Init(g.logLevel, false, "")
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "config file (key = value)")
	pf.StringVar(&g.network, "network", string(config.Mainnet), "mainnet or testnet")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level (logs go to stderr)")

	root.AddCommand(
		estimateCmd(&g),
		dustCmd(&g),
		feesCmd(&g),
		priceCmd(&g),
		analyzeCmd(&g),
		broadcastCmd(&g),
		addressCmd(&g),
	)

	if err := root.Execute(); err != nil {
		code := "INVALID_ARGS"
		var ce *cliError
		if errors.As(err, &ce) {
			code = ce.code
		}
		printError(code, err.Error())
		os.Exit(1)
	}
}

func loadConfig(g *globals) (*config.Config, error) {
	cfg := config.Default(config.NetworkType(g.network))
	if g.configFile != "" {
		values, err := config.LoadFile(g.configFile)
		if err != nil {
			return nil, fail("FILE_NOT_FOUND", err)
		}
		if err := config.ApplyFileConfig(cfg, values); err != nil {
			return nil, fail("INVALID_CONFIG", err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fail("INVALID_CONFIG", err)
	}
	return cfg, nil
}

// withApp builds the services for commands that talk to the network.
func withApp(g *globals, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return fail("INVALID_CONFIG", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

// resolveRate returns rate when positive, else the live recommendation.
func resolveRate(g *globals, rate float64) (float64, string, error) {
	if rate > 0 {
		return rate, "flag", nil
	}
	var (
		r   float64
		src string
	)
	err := withApp(g, func(ctx context.Context, a *app.App) error {
		est := a.Fees.GetFeeEstimate(ctx)
		r, src = est.RecommendedFeeSatsPerVb, est.Source
		return nil
	})
	return r, src, err
}

// parseOutput parses TYPE[:VALUE[:DATASIZE]].
func parseOutput(s string) (types.TxOutputDescriptor, error) {
	parts := strings.Split(s, ":")
	out := types.TxOutputDescriptor{ScriptType: types.ScriptType(strings.ToUpper(parts[0]))}
	var err error
	if len(parts) > 1 {
		if out.Value, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return out, fmt.Errorf("output %q: bad value", s)
		}
	}
	if len(parts) > 2 {
		if out.DataSize, err = strconv.Atoi(parts[2]); err != nil {
			return out, fmt.Errorf("output %q: bad data size", s)
		}
	}
	return out, nil
}

func estimateCmd(g *globals) *cobra.Command {
	var (
		ins, outs  []string
		rate       float64
		noChange   bool
		changeType string
	)
	cmd := &cobra.Command{
		Use:     "estimate",
		Short:   "Estimate size and mining fee of a transaction",
		Example: "  fee-lens estimate --in P2WPKH --in P2TR --out P2WPKH:10000 --out OP_RETURN:0:40 --fee-rate 12",
		RunE: func(*cobra.Command, []string) error {
			if len(ins) == 0 {
				return fail("INVALID_ARGS", errors.New("at least one --in is required"))
			}
			inputs := make([]types.TxInputDescriptor, len(ins))
			for i, in := range ins {
				st := types.ScriptType(strings.ToUpper(in))
				inputs[i] = types.TxInputDescriptor{ScriptType: st, IsWitness: st != types.P2PKH && st != types.P2SH}
			}
			outputs := make([]types.TxOutputDescriptor, 0, len(outs))
			for _, o := range outs {
				d, err := parseOutput(o)
				if err != nil {
					return fail("INVALID_ARGS", err)
				}
				outputs = append(outputs, d)
			}

			r, src, err := resolveRate(g, rate)
			if err != nil {
				return err
			}
			opts := fees.MiningFeeOptions{IncludeChangeOutput: !noChange, ChangeType: types.ScriptType(strings.ToUpper(changeType))}
			size := txsize.Estimate(inputs, outputs, opts.IncludeChangeOutput, opts.ChangeType)
			return printJSON(map[string]any{
				"vbytes":     size.VBytes,
				"weight":     size.Weight,
				"fee_rate":   r,
				"fee_source": src,
				"fee_sats":   fees.CalculateMiningFee(inputs, outputs, r, opts),
				"warnings":   size.Warnings,
			})
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&ins, "in", nil, "input script type (repeatable)")
	f.StringArrayVar(&outs, "out", nil, "output TYPE[:VALUE[:DATASIZE]] (repeatable)")
	f.Float64Var(&rate, "fee-rate", 0, "sat/vB; 0 asks the fee providers")
	f.BoolVar(&noChange, "no-change", false, "omit the change output")
	f.StringVar(&changeType, "change-type", string(types.P2WPKH), "change output script type")
	return cmd
}

func dustCmd(g *globals) *cobra.Command {
	var rate, ancestorRate float64
	cmd := &cobra.Command{
		Use:   "dust <payload-bytes>",
		Short: "Dust and mining fee for embedding a payload in P2WSH outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fail("INVALID_ARGS", fmt.Errorf("payload size %q must be a non-negative integer", args[0]))
			}
			if n > fees.MaxPayloadBytes {
				return fail("INVALID_ARGS", fmt.Errorf("payload size %d exceeds the %d bytes a standard transaction can carry", n, fees.MaxPayloadBytes))
			}
			r, src, err := resolveRate(g, rate)
			if err != nil {
				return err
			}
			var anc *types.AncestorInfo
			if ancestorRate > 0 {
				anc = &types.AncestorInfo{EffectiveRate: ancestorRate}
			}
			dust := fees.CalculateDust(n)
			mining := fees.CalculateP2WSHMiningFee(n, r, anc != nil, anc)
			return printJSON(map[string]any{
				"payload_bytes":   n,
				"outputs":         fees.DustOutputs(n),
				"dust_sats":       dust,
				"fee_rate":        r,
				"fee_source":      src,
				"mining_fee_sats": mining,
				"total_sats":      dust + mining,
			})
		},
	}
	cmd.Flags().Float64Var(&rate, "fee-rate", 0, "sat/vB; 0 asks the fee providers")
	cmd.Flags().Float64Var(&ancestorRate, "ancestor-rate", 0, "effective rate of an unconfirmed parent")
	return cmd
}

func feesCmd(g *globals) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Current recommended fee rate",
		RunE: func(*cobra.Command, []string) error {
			return withApp(g, func(ctx context.Context, a *app.App) error {
				return printJSON(a.Fees.GetFeeEstimateFrom(ctx, source))
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "ask only this provider")
	return cmd
}

func priceCmd(g *globals) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Current BTC/USD price",
		RunE: func(*cobra.Command, []string) error {
			return withApp(g, func(ctx context.Context, a *app.App) error {
				return printJSON(a.Price.GetPrice(ctx, source))
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "ask only this provider")
	return cmd
}

// readInput returns arg itself, the contents of the file it names, or stdin
// for "-".
func readInput(arg string) (string, error) {
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		return strings.TrimSpace(string(b)), err
	}
	if _, err := os.Stat(arg); err == nil {
		b, err := os.ReadFile(arg)
		return strings.TrimSpace(string(b)), err
	}
	return arg, nil
}

func analyzeCmd(g *globals) *cobra.Command {
	var feeSats int64
	cmd := &cobra.Command{
		Use:   "analyze <raw-tx-hex | file | ->",
		Short: "Decode a raw transaction and report sizes and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := readInput(args[0])
			if err != nil {
				return fail("FILE_NOT_FOUND", err)
			}
			summary, _, err := parser.DecodeTransaction(raw, analyzer.NetParams(g.network))
			if err != nil {
				return fail("INVALID_TX", err)
			}
			var rate float64
			if feeSats > 0 {
				rate = parser.FeeRate(feeSats, summary.Vbytes)
			}
			return printJSON(map[string]any{
				"ok":              true,
				"tx":              summary,
				"fee_rate_sat_vb": rate,
				"warnings":        analyzer.GenerateWarnings(summary, rate),
			})
		},
	}
	cmd.Flags().Int64Var(&feeSats, "fee-sats", 0, "fee paid, when known")
	return cmd
}

func broadcastCmd(g *globals) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "broadcast <signed-tx | psbt | file | ->",
		Short: "Validate and relay a signed transaction or PSBT",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			signed, err := readInput(args[0])
			if err != nil {
				return fail("FILE_NOT_FOUND", err)
			}
			if dryRun {
				tx, err := broadcast.Prepare(signed, analyzer.NetParams(g.network))
				if err != nil {
					return fail("INVALID_TX", err)
				}
				raw, err := broadcast.TxHex(tx)
				if err != nil {
					return fail("INVALID_TX", err)
				}
				return printJSON(map[string]any{"txid": tx.TxHash().String(), "hex": raw})
			}
			return withApp(g, func(ctx context.Context, a *app.App) error {
				res, err := a.Broadcast.Broadcast(ctx, signed)
				if err != nil {
					var verr *broadcast.ValidationError
					if errors.As(err, &verr) {
						return fail("INVALID_TX", err)
					}
					return fail("BROADCAST_FAILED", err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print the final transaction without relaying")
	return cmd
}

func addressCmd(g *globals) *cobra.Command {
	var allowed []string
	cmd := &cobra.Command{
		Use:   "address <address>",
		Short: "Validate an address and report its script type",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			want := make([]types.ScriptType, len(allowed))
			for i, a := range allowed {
				want[i] = types.ScriptType(strings.ToUpper(a))
			}
			return printJSON(analyzer.ValidateAddressForTypeOn(args[0], analyzer.NetParams(g.network), want...))
		},
	}
	cmd.Flags().StringSliceVar(&allowed, "type", nil, "accepted script types")
	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail("IO_ERROR", err)
	}
	fmt.Println(string(out))
	return nil
}

func printError(code, message string) {
	type errorOutput struct {
		OK    bool             `json:"ok"`
		Error *types.ErrorInfo `json:"error"`
	}
	errOutput := errorOutput{
		OK: false,
		Error: &types.ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
	errJSON, _ := json.Marshal(errOutput)
	fmt.Println(string(errJSON))
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
