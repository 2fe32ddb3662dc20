package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dicej/cargo-component/internal/publish"
	"github.com/dicej/cargo-component/pkg/protocol"
)

type publishFlags struct {
	pkg     string
	version string
	dryRun  bool
}

func newPublishCmd(g *globals, v *viper.Viper) *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Publish a WIT package to a registry",
		Long: `Publish a WIT package to a registry.

publish uploads the package bytes, submits a record signed with the key in
WIT_PUBLISH_KEY and waits until the registry's log provably includes it.

The package is read from file, or from stdin when file is omitted or "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), g, v, f, args)
		},
	}
	cmd.Flags().StringVar(&f.pkg, "package", "", "package id, e.g. baz:qux")
	cmd.Flags().StringVar(&f.version, "version", "", "semantic version, e.g. 0.1.0")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "build and sign the record without contacting the registry")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func runPublish(ctx context.Context, g *globals, v *viper.Viper, f publishFlags, args []string) error {
	key := os.Getenv(publishKeyEnv)
	if key == "" {
		return &protocol.ValidationError{Field: "signing key", Msg: "no signing key was provided; set " + publishKeyEnv}
	}

	data, err := readPackage(args)
	if err != nil {
		return err
	}
	timeout, err := parseTimeout(v)
	if err != nil {
		return err
	}

	ws, err := g.workspace(v)
	if err != nil {
		return err
	}
	defer ws.Close()

	opts := []publish.Option{
		publish.WithPollConfig(publish.PollConfig{MaxWait: timeout}),
	}
	if g.verbose {
		opts = append(opts, publish.WithObserver(func(p *publish.Publication, t publish.Transition) {
			fmt.Fprintf(g.stderr, "%s -> %s: %s\n", t.From, t.To, t.Detail)
		}))
	}
	p := publish.New(ws.client, ws.syncer, ws.state, ws.logger, opts...)

	if f.dryRun {
		fmt.Fprintln(g.stderr, "warning: not publishing package to the registry due to the --dry-run option")
	}
	pub, err := p.Publish(ctx, publish.Request{
		Package:    f.pkg,
		Version:    f.version,
		Content:    data,
		SigningKey: key,
		DryRun:     f.dryRun,
	})
	if err != nil {
		return err
	}

	if pub.State == publish.DryRun {
		fmt.Fprintf(g.stderr, "Would publish package `%s` v%s as record %d (content %s)\n",
			pub.Package, pub.Version, pub.Record.Sequence, pub.Digest)
		return nil
	}
	fmt.Fprintf(g.stderr, "Published package `%s` v%s\n", pub.Package, pub.Version)
	return nil
}

func readPackage(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read package from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}
	return data, nil
}
