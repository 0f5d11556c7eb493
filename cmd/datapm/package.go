package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/big-armor/datapm-sub007/internal/packager"
	"github.com/big-armor/datapm-sub007/pkg/config"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/pkgfile"
)

func newPackageCommand(cfg *config.RunConfig) *cobra.Command {
	var (
		sourceFile  string
		catalog     string
		pkgSlug     string
		displayName string
		description string
		out         string
		maxRecords  int64
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Infer a package file from a source",
		Long: `Read every stream of a source, infer its schemas and content labels and write
a package file. When the output file exists it is treated as the previous
version: its labels are kept and its version is bumped.

Example:
  datapm package --source contacts.yaml --catalog acme --package contacts --out contacts.datapm.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger.Get()

			cf, err := config.LoadConnector(sourceFile)
			if err != nil {
				return err
			}
			src, err := registry.CreateSource(cf.Type)
			if err != nil {
				return err
			}

			var prior *pkgfile.PackageFile
			if _, err := os.Stat(out); err == nil {
				if prior, err = pkgfile.Read(out); err != nil {
					return err
				}
			}

			stop, err := startObservability(ctx, cfg)
			if err != nil {
				return err
			}
			defer stop()

			session := job.NewSession("package")
			defer session.Close()
			p := packager.New(packager.WithRunConfig(cfg), packager.WithLogger(log))
			res, err := p.Run(ctx, packager.Request{
				CatalogSlug:    catalog,
				PackageSlug:    pkgSlug,
				DisplayName:    displayName,
				Description:    description,
				Source:         src,
				SourceSettings: core.NewSettings(cf.Connection, cf.Credentials, cf.Config),
				Prior:          prior,
				MaxRecords:     maxRecords,
				Job:            job.NewConsoleContext(log, session, nil),
			})
			if err != nil {
				return err
			}
			if err := pkgfile.Write(out, res.Package); err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write package file")
			}

			fmt.Printf("Wrote %s version %s (%s change, %d records read)\n",
				out, res.Package.Version, res.Change, res.RecordsRead)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourceFile, "source", "s", "", "Path to the source connector YAML file (required)")
	cmd.Flags().StringVar(&catalog, "catalog", "", "Catalog slug (required)")
	cmd.Flags().StringVar(&pkgSlug, "package", "", "Package slug (required)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Package display name")
	cmd.Flags().StringVar(&description, "description", "", "Package description")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Package file to write, .yaml or .json (required)")
	cmd.Flags().Int64Var(&maxRecords, "max-records", 0, "Stop inferring after this many records (0 reads everything)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
