package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <hash>",
	Short: "Show asset metadata",
	Args:  cobra.ExactArgs(1),
	Run:   runInfo,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <locator>",
	Short: "Print the file path behind a locator",
	Long: `Resolve an asset locator (asset://<hash>[?thumbnail=true]) or a bare hash
to the path of the stored file.`,
	Args: cobra.ExactArgs(1),
	Run:  runResolve,
}

var catCmd = &cobra.Command{
	Use:   "cat <hash>",
	Short: "Write asset content to stdout or a file",
	Args:  cobra.ExactArgs(1),
	Run:   runCat,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog statistics",
	Args:  cobra.NoArgs,
	Run:   runStats,
}

var (
	catThumbnail bool
	catOutput    string
)

func init() {
	catCmd.Flags().BoolVar(&catThumbnail, "thumbnail", false, "Write the thumbnail instead of the original")
	catCmd.Flags().StringVarP(&catOutput, "output", "o", "", "Output file (default: stdout)")
}

func runInfo(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	a, err := c.Client.GetAsset(cmd.Context(), args[0])
	if err != nil {
		exitError("%v", err)
	}

	yellow := color.New(color.FgYellow)
	yellow.Printf("asset %s\n", a.Hash)
	fmt.Printf("Name:       %s\n", a.OriginalName)
	fmt.Printf("Type:       %s\n", a.MimeType)
	fmt.Printf("Size:       %s\n", humanize.IBytes(uint64(a.SizeBytes)))
	if a.Width > 0 {
		fmt.Printf("Dimensions: %dx%d\n", a.Width, a.Height)
	}
	if a.HasThumbnail() {
		fmt.Printf("Thumbnail:  %s (%s)\n", a.Thumbnail(), humanize.IBytes(uint64(a.ThumbnailBytes)))
	} else {
		fmt.Printf("Thumbnail:  none\n")
	}

	refs := fmt.Sprintf("%d", a.RefCount)
	if a.RefCount == 0 {
		refs = color.RedString("0 (orphan)")
	}
	fmt.Printf("References: %s\n", refs)
	fmt.Printf("Created:    %s\n", a.CreatedAt.Local().Format(time.RFC1123))
	fmt.Printf("Accessed:   %s\n", humanize.Time(a.LastAccessedAt))
	fmt.Printf("Updated:    %s\n", humanize.Time(a.UpdatedAt))
}

func runResolve(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	path, err := c.Client.Resolve(cmd.Context(), args[0])
	if err != nil {
		exitError("%v", err)
	}
	fmt.Println(path)
}

func runCat(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	body, _, err := c.Client.DownloadContent(cmd.Context(), args[0], catThumbnail)
	if err != nil {
		exitError("%v", err)
	}
	defer body.Close()

	var out io.Writer = os.Stdout
	if catOutput != "" {
		f, err := os.Create(catOutput)
		if err != nil {
			exitError("%v", err)
		}
		defer f.Close()
		out = f
	}

	if _, err := io.Copy(out, body); err != nil {
		exitError("write content: %v", err)
	}
}

func runStats(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	st, err := c.Client.Stats(cmd.Context())
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Assets:  %d\n", st.TotalAssets)
	fmt.Printf("Storage: %s\n", humanize.IBytes(uint64(st.TotalBytes)))
	fmt.Printf("Blobs:   %d originals, %d thumbnails\n", st.OriginalBlobs, st.ThumbnailBlobs)
	if st.OrphanCount > 0 {
		color.Yellow("Orphans: %d (run 'assetstore cleanup' to reclaim)", st.OrphanCount)
	} else {
		fmt.Printf("Orphans: 0\n")
	}
}
