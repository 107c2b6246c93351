package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/assetstore/internal/models"
	"github.com/kilupskalvis/assetstore/internal/remote"
)

var associateCmd = &cobra.Command{
	Use:   "associate <hash>...",
	Short: "Add a reference to stored assets",
	Args:  cobra.MinimumNArgs(1),
	Run:   runAssociate,
}

var releaseCmd = &cobra.Command{
	Use:     "release <hash>...",
	Aliases: []string{"delete", "rm"},
	Short:   "Drop a reference to assets",
	Long: `Drop one reference to each asset. Assets whose count reaches zero stay
on disk until 'assetstore cleanup' reclaims them. Unknown hashes are ignored.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runRelease,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <counts.json|->",
	Short: "Overwrite reference counts with declared ones",
	Long: `Compare stored reference counts with the counts declared by the
application and correct any drift. The input is a JSON object mapping hash
to count; cataloged assets it does not mention are set to zero.

Examples:
  assetstore reconcile --dry-run counts.json
  my-app dump-asset-refs | assetstore reconcile -`,
	Args: cobra.ExactArgs(1),
	Run:  runReconcile,
}

var reconcileDryRun bool

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Report drift without changing counts")
}

func runAssociate(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	for _, hash := range args {
		n, err := c.Client.Associate(cmd.Context(), hash)
		if err != nil {
			exitError("%s: %v", hash, err)
		}
		fmt.Printf("%s  refs: %d\n", models.ShortHash(hash), n)
	}
}

func runRelease(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	for _, hash := range args {
		n, err := c.Client.Delete(cmd.Context(), hash)
		if err != nil {
			exitError("%s: %v", hash, err)
		}
		if n == 0 {
			color.Yellow("%s  refs: 0 (orphan)", models.ShortHash(hash))
			continue
		}
		fmt.Printf("%s  refs: %d\n", models.ShortHash(hash), n)
	}
}

func runReconcile(cmd *cobra.Command, args []string) {
	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			exitError("%v", err)
		}
		defer f.Close()
		in = f
	}

	declared := make(map[string]int64)
	if err := json.NewDecoder(in).Decode(&declared); err != nil {
		exitError("parse declared counts: %v", err)
	}

	c := initContext()
	defer c.Close()

	res, err := c.Client.Reconcile(cmd.Context(), &remote.ReconcileRequest{Declared: declared, DryRun: reconcileDryRun})
	if err != nil {
		exitError("%v", err)
	}

	if len(res.Adjusted) == 0 && len(res.Skipped) == 0 {
		fmt.Println("Reference counts match")
	}
	verb := "adjusted"
	if res.DryRun {
		verb = "would adjust"
	}
	for _, adj := range res.Adjusted {
		fmt.Printf("%s %s  %d -> %d\n", verb, models.ShortHash(adj.Hash), adj.Stored, adj.Declared)
	}
	for _, h := range res.Unknown {
		color.Yellow("unknown %s (declared but not stored)", models.ShortHash(h))
	}
	for _, h := range res.Skipped {
		color.Yellow("skipped %s (changed while reconciling, run again)", models.ShortHash(h))
	}
}
