package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/internal/fetch"
	"github.com/big-armor/datapm-sub007/pkg/config"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/pkgfile"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func newFetchCommand(cfg *config.RunConfig) *cobra.Command {
	var (
		packageFile  string
		sinkFile     string
		sourceFile   string
		updateMethod string
		replace      bool
		force        bool
		answers      []string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Transfer a package's records into a sink",
		Long: `Read the streams of a package's source and write their records into a sink.
Streams unchanged since the last run are skipped. Press Ctrl-C once to stop
reading and commit what was read; press it again to abort without committing.

Schema conflicts of strongly typed sinks are resolved from the sink file's
deconflictOptions or from --answer schema.property=STRATEGY, and the chosen
strategies are saved back to the sink file.

Example:
  datapm fetch --package contacts.datapm.yaml --sink postgres.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Get()

			pkg, err := pkgfile.Read(packageFile)
			if err != nil {
				return err
			}
			sinkCfg, err := config.LoadConnector(sinkFile)
			if err != nil {
				return err
			}
			snk, err := registry.CreateSink(sinkCfg.Type)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "unknown sink type").WithDetail("sink", sinkCfg.Type)
			}
			srcType, srcSettings, err := sourceSettings(pkg, sourceFile)
			if err != nil {
				return err
			}
			src, err := registry.CreateSource(srcType)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "unknown source type").WithDetail("source", srcType)
			}
			parsed, err := parseAnswers(answers)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stopObs, err := startObservability(ctx, cfg)
			if err != nil {
				return err
			}
			defer stopObs()

			f := fetch.New(
				fetch.WithRunConfig(cfg),
				fetch.WithLogger(log),
				fetch.WithObserver(fetch.LogObserver{Logger: log}),
			)
			stopSignals := handleSignals(f, cancel, log)
			defer stopSignals()

			session := job.NewSession(f.RunID())
			defer session.Close()

			sinkSettings := core.NewSettings(sinkCfg.Connection, sinkCfg.Credentials, sinkCfg.Config)
			res, err := f.Run(ctx, fetch.Request{
				Package:             pkg,
				Source:              src,
				SourceSettings:      srcSettings,
				Sink:                snk,
				SinkSettings:        sinkSettings,
				UpdateMethod:        sink.UpdateMethod(strings.ToUpper(updateMethod)),
				ReplaceExistingData: replace,
				ForceUpdate:         force,
				Job:                 job.NewConsoleContext(log, session, parsed),
			})
			if res != nil && len(res.Resolutions) > 0 {
				if serr := config.SaveConnector(sinkFile, sinkCfg); serr != nil {
					log.Warn("failed to save deconfliction choices", zap.String("file", sinkFile), zap.Error(serr))
				}
			}
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&packageFile, "package", "p", "", "Package file written by the package command (required)")
	cmd.Flags().StringVarP(&sinkFile, "sink", "d", "", "Path to the sink connector YAML file (required)")
	cmd.Flags().StringVarP(&sourceFile, "source", "s", "", "Source connector YAML file overriding the package's source, e.g. to add credentials")
	cmd.Flags().StringVar(&updateMethod, "update-method", "", "BATCH_FULL_SET or APPEND_ONLY_LOG (default: chosen from the sink)")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the data already in the sink")
	cmd.Flags().BoolVar(&force, "force", false, "Read every stream even if unchanged since the last run")
	cmd.Flags().StringSliceVar(&answers, "answer", nil, "Answer a prompt as name=value, repeatable")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("sink")
	return cmd
}

// sourceSettings returns the source of the package, or the one in file when
// given
func sourceSettings(pkg *pkgfile.PackageFile, file string) (string, core.Settings, error) {
	if file != "" {
		cf, err := config.LoadConnector(file)
		if err != nil {
			return "", core.Settings{}, err
		}
		return cf.Type, core.NewSettings(cf.Connection, cf.Credentials, cf.Config), nil
	}
	if len(pkg.Sources) == 0 {
		return "", core.Settings{}, errors.New(errors.ErrorTypeConfig, "package file has no source; pass --source")
	}
	src := pkg.Sources[0]
	return src.Type, core.NewSettings(src.Connection, nil, src.Config), nil
}

func parseAnswers(values []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "answer %q must be name=value", v)
		}
		out[name] = value
	}
	return out, nil
}

// handleSignals stops the fetch on the first interrupt and cancels it on the
// second
func handleSignals(f *fetch.Fetcher, cancel context.CancelFunc, log *zap.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		count := 0
		for {
			select {
			case <-sigCh:
				count++
				if count == 1 {
					log.Warn("interrupt received, finishing buffered records. Interrupt again to abort.")
					f.Stop()
					continue
				}
				log.Warn("second interrupt received, aborting without commit")
				cancel()
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func printResult(res *fetch.Result) {
	switch {
	case res.UpToDate:
		fmt.Println("Sink is up to date, nothing fetched.")
		return
	case res.StoppedEarly:
		fmt.Println("Fetch stopped early. Committed records will be resumed or refreshed on the next run.")
	default:
		fmt.Println("Fetch completed.")
	}

	slugs := make([]string, 0, len(res.RecordsCommitted))
	for slug := range res.RecordsCommitted {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		fmt.Printf("  %s: %d records -> %s\n", slug, res.RecordsCommitted[slug], res.OutputLocations[slug])
	}
}
