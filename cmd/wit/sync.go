package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// ── sync ─────────────────────────────────────────────────────────────────────

func newSyncCmd(g *globals, v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [package...]",
		Short: "Verify and record the registry's latest checkpoint",
		Long: `sync fetches the registry's latest checkpoint, proves it extends the
checkpoint trusted locally, and verifies the history of each package.

With no arguments every package already known locally is synced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids := make([]protocol.PackageID, 0, len(args))
			for _, a := range args {
				id, err := protocol.ParsePackageID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			ws, err := g.workspace(v)
			if err != nil {
				return err
			}
			defer ws.Close()

			res, err := ws.syncer.Sync(ctx, ids...)
			if err != nil {
				return err
			}

			fmt.Fprintf(g.stdout, "Verified checkpoint %d of %s (was %d), %d new record(s)\n",
				res.Anchor.Checkpoint.Length, ws.client.Host(), res.PreviousLength, res.NewRecords)
			if len(res.Packages) == 0 {
				return nil
			}
			names := make([]string, 0, len(res.Packages))
			for id := range res.Packages {
				names = append(names, string(id))
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(g.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tHEAD\tVERSIONS")
			for _, n := range names {
				st := res.Packages[protocol.PackageID(n)]
				fmt.Fprintf(w, "%s\t%d\t%d\n", n, st.HeadSequence, len(st.Versions))
			}
			return w.Flush()
		},
	}
}

// ── download ─────────────────────────────────────────────────────────────────

func newDownloadCmd(g *globals, v *viper.Viper) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <package> <version>",
		Short: "Download a verified package version into the local cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := protocol.ParsePackageID(args[0])
			if err != nil {
				return err
			}
			ver, err := protocol.ParseVersion(args[1])
			if err != nil {
				return err
			}

			ws, err := g.workspace(v)
			if err != nil {
				return err
			}
			defer ws.Close()

			d, err := ws.syncer.Download(ctx, id, ver)
			if err != nil {
				return err
			}
			if output != "" {
				if err := os.WriteFile(output, d.Data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
			}
			fmt.Fprintf(g.stdout, "Downloaded package `%s` v%s (%s)\n", d.Package, d.Version, d.Digest)
			fmt.Fprintf(g.stdout, "  cached at %s\n", d.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the package bytes to this file")
	return cmd
}
