package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // timezone data for minimal images

	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/calibration"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/config"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/measurement"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// cliOptions holds the per-mode flags
type cliOptions struct {
	property string
	all      bool
	week     int
	year     int

	walkIns    int64
	date       string
	method     string
	confidence float64
	notes      string

	factorType string
	factorKey  string
	multiplier float64
	reason     string
	createdBy  string
	expiresIn  time.Duration
	suggest    bool
	since      time.Duration

	months int
}

func main() {
	var (
		configPath string
		mode       string
		opts       cliOptions
	)

	flag.StringVar(&configPath, "config", os.Getenv(config.ConfigPathEnv), "Path to the YAML configuration file")
	flag.StringVar(&mode, "mode", "serve", "One of 'serve', 'predict', 'record', 'calibrate' or 'snapshot'")
	flag.StringVar(&opts.property, "property", "", "Property ID")
	flag.BoolVar(&opts.all, "all", false, "predict: run a batch over every configured property")
	flag.IntVar(&opts.week, "week", 0, "predict: target week (defaults to the current week)")
	flag.IntVar(&opts.year, "year", 0, "predict: target year (defaults to the current year)")
	flag.Int64Var(&opts.walkIns, "walk-ins", -1, "record: observed weekly walk-ins")
	flag.StringVar(&opts.date, "date", "", "record: measurement date (YYYY-MM-DD, defaults to today)")
	flag.StringVar(&opts.method, "method", common.MethodManualCount, "record: measurement method")
	flag.Float64Var(&opts.confidence, "confidence", -1, "record: measurement confidence in [0, 1] (defaults to config)")
	flag.StringVar(&opts.notes, "notes", "", "record: free-form notes")
	flag.StringVar(&opts.factorType, "factor-type", common.FactorTypeProperty, "calibrate: factor type")
	flag.StringVar(&opts.factorKey, "factor-key", "", "calibrate: factor key (defaults to -property)")
	flag.Float64Var(&opts.multiplier, "multiplier", 0, "calibrate: multiplier to apply")
	flag.StringVar(&opts.reason, "reason", "", "calibrate: why the factor is applied")
	flag.StringVar(&opts.createdBy, "created-by", os.Getenv("USER"), "calibrate: author of the factor")
	flag.DurationVar(&opts.expiresIn, "expires-in", 0, "calibrate: factor lifetime (0 never expires)")
	flag.BoolVar(&opts.suggest, "suggest", false, "calibrate: derive the multiplier from recent validations")
	flag.DurationVar(&opts.since, "since", 90*24*time.Hour, "calibrate: validation window used by -suggest")
	flag.IntVar(&opts.months, "months", 0, "snapshot: months to include (defaults to config)")

	klog.InitFlags(nil)
	flag.Parse()

	if err := runMain(configPath, mode, opts); err != nil {
		klog.ErrorS(err, "Command failed", "mode", mode)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func runMain(configPath, mode string, opts cliOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %q: %w", configPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system, err := trafficcal.NewSystem(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create traffic calibration system: %w", err)
	}
	defer func() {
		if err := system.Close(); err != nil {
			klog.ErrorS(err, "Error closing traffic calibration system")
		}
	}()

	if mode == "serve" {
		return serve(ctx, system)
	}
	return run(ctx, system, mode, opts, os.Stdout)
}

// run executes a one-shot mode and writes its result as JSON
func run(ctx context.Context, system *trafficcal.System, mode string, opts cliOptions, out io.Writer) error {
	var (
		result any
		err    error
	)
	switch mode {
	case "predict":
		result, err = runPredict(ctx, system, opts)
	case "record":
		result, err = runRecord(ctx, system, opts)
	case "calibrate":
		result, err = runCalibrate(ctx, system, opts)
	case "snapshot":
		result, err = runSnapshot(ctx, system, opts)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runPredict(ctx context.Context, system *trafficcal.System, opts cliOptions) (any, error) {
	var target *types.Bucket
	if opts.week != 0 || opts.year != 0 {
		target = &types.Bucket{Week: opts.week, Year: opts.year}
	}

	if opts.all {
		properties := system.Properties()
		if len(properties) == 0 {
			return nil, fmt.Errorf("no properties configured")
		}
		return system.Batch.PredictBatchFor(ctx, properties, target), nil
	}
	if opts.property == "" {
		return nil, fmt.Errorf("-property or -all is required")
	}
	return system.Engine.Predict(ctx, opts.property, target)
}

func runRecord(ctx context.Context, system *trafficcal.System, opts cliOptions) (any, error) {
	if opts.property == "" {
		return nil, fmt.Errorf("-property is required")
	}
	if opts.walkIns < 0 {
		return nil, fmt.Errorf("-walk-ins is required")
	}

	date := time.Now().In(system.Config.Location())
	if opts.date != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, opts.date, system.Config.Location())
		if err != nil {
			return nil, fmt.Errorf("invalid -date %q: %w", opts.date, err)
		}
		date = parsed
	}

	in := measurement.Input{
		PropertyID:      opts.property,
		MeasurementDate: date,
		TotalWalkIns:    opts.walkIns,
		Method:          opts.method,
		Notes:           opts.notes,
	}
	if opts.confidence >= 0 {
		in.MeasurementConfidence = ptr.To(opts.confidence)
	}
	return system.Recorder.Record(ctx, in)
}

// factorResult is the output of calibrate mode
type factorResult struct {
	ID     string                 `json:"id"`
	Factor calibration.NewFactor  `json:"factor"`
	Basis  *suggestionDescription `json:"suggestion,omitempty"`
}

type suggestionDescription struct {
	Validations int       `json:"validations"`
	Since       time.Time `json:"since"`
}

func runCalibrate(ctx context.Context, system *trafficcal.System, opts cliOptions) (any, error) {
	var expiresAt *time.Time
	if opts.expiresIn > 0 {
		expiresAt = ptr.To(time.Now().Add(opts.expiresIn))
	}

	var (
		nf    calibration.NewFactor
		basis *suggestionDescription
	)
	if opts.suggest {
		if opts.property == "" {
			return nil, fmt.Errorf("-property is required with -suggest")
		}
		suggestion, err := system.Performance.SuggestCalibration(ctx, opts.property, time.Now().Add(-opts.since))
		if err != nil {
			return nil, err
		}
		nf = suggestion.Factor(opts.createdBy, expiresAt)
		if opts.reason != "" {
			nf.Reason = opts.reason
		}
		basis = &suggestionDescription{Validations: suggestion.Validations, Since: suggestion.Since}
	} else {
		key := opts.factorKey
		if key == "" {
			key = opts.property
		}
		nf = calibration.NewFactor{
			FactorType: opts.factorType,
			FactorKey:  key,
			Multiplier: opts.multiplier,
			Reason:     opts.reason,
			ExpiresAt:  expiresAt,
			CreatedBy:  opts.createdBy,
		}
	}

	id, err := system.Factors.Apply(ctx, nf)
	if err != nil {
		return nil, err
	}
	return &factorResult{ID: id, Factor: nf, Basis: basis}, nil
}

func runSnapshot(ctx context.Context, system *trafficcal.System, opts cliOptions) (any, error) {
	months := opts.months
	if months <= 0 {
		months = system.Config.Performance.SnapshotMonths
	}
	return system.Performance.Refresh(ctx, months)
}
