package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/assetstore/internal/models"
	"github.com/kilupskalvis/assetstore/internal/remote"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned assets",
	Long: `Remove every asset whose reference count is zero, together with its
thumbnail unless another asset shares it.

Examples:
  assetstore cleanup --dry-run
  assetstore cleanup --older-than 24h`,
	Args: cobra.NoArgs,
	Run:  runCleanup,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the catalog against stored files",
	Long: `Report blobs without a catalog row, catalog rows whose original is
missing, and thumbnails that no longer exist. With --repair, stray blobs
older than the grace period are removed and dangling thumbnail references
are cleared.`,
	Args: cobra.NoArgs,
	Run:  runVerify,
}

var thumbsCmd = &cobra.Command{
	Use:   "thumbs",
	Short: "Derive missing thumbnails",
	Args:  cobra.NoArgs,
	Run:   runThumbs,
}

var (
	cleanupDryRun    bool
	cleanupOlderThan string
	verifyRepair     bool
)

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupDryRun, "dry-run", "n", false, "List what would be removed")
	cleanupCmd.Flags().StringVar(&cleanupOlderThan, "older-than", "", "Only remove orphans unreferenced for at least this long (e.g. 24h)")
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false, "Remove stray blobs and clear dangling thumbnails")
}

func runCleanup(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	res, err := c.Client.Cleanup(cmd.Context(), &remote.CleanupRequest{OlderThan: cleanupOlderThan, DryRun: cleanupDryRun})
	if err != nil {
		exitError("%v", err)
	}

	if len(res.Candidates) == 0 {
		fmt.Println("Nothing to clean up")
		return
	}

	if res.DryRun {
		for _, h := range res.Candidates {
			fmt.Printf("would remove %s\n", models.ShortHash(h))
		}
		fmt.Printf("\n%d assets, %s reclaimable\n", len(res.Candidates), humanize.IBytes(uint64(res.FreedBytes)))
		return
	}

	color.Green("Removed %d assets, freed %s", res.Removed, humanize.IBytes(uint64(res.FreedBytes)))
	for _, h := range res.Failed {
		color.Red("failed to remove %s", models.ShortHash(h))
	}
	if len(res.Failed) > 0 {
		os.Exit(1)
	}
}

func runVerify(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	report, err := c.Client.Verify(cmd.Context(), verifyRepair)
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Catalog rows:  %d\n", report.CatalogRows)
	fmt.Printf("Blobs scanned: %d\n", report.BlobsScanned)
	if report.Clean() {
		color.Green("Store is consistent")
		return
	}

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	printHashes(yellow, "stray original", report.StrayOriginals)
	printHashes(yellow, "stray thumbnail", report.StrayThumbnails)
	printHashes(red, "missing original", report.MissingOriginals)
	printHashes(yellow, "dangling thumbnail on", report.DanglingThumbnails)

	if verifyRepair {
		fmt.Printf("\nRepaired %d issues\n", report.Repaired)
		return
	}
	fmt.Println("\nRun 'assetstore verify --repair' to fix stray blobs and dangling thumbnails.")
	os.Exit(1)
}

func printHashes(c *color.Color, label string, hashes []string) {
	for _, h := range hashes {
		c.Printf("%s %s\n", label, models.ShortHash(h))
	}
}

func runThumbs(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	res, err := c.Client.DeriveThumbnails(cmd.Context())
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Derived %d thumbnails", res.Derived)
	if res.Failed > 0 {
		fmt.Printf(", %s", color.RedString("%d failed", res.Failed))
	}
	fmt.Println()
}
