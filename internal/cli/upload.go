package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/models"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload assets",
	Long: `Upload one or more files. Each file is stored by content hash; uploading
bytes that are already stored adds a reference instead of a copy.

Examples:
  assetstore upload photo.jpg
  assetstore upload --thumbnail-size 320x320 --quality 90 a.png b.png
  assetstore upload --no-thumbnail --mime image/svg+xml logo.svg`,
	Args: cobra.MinimumNArgs(1),
	Run:  runUpload,
}

var importCmd = &cobra.Command{
	Use:   "import <path>...",
	Short: "Import files and directories in bulk",
	Long: `Import every regular file under the given paths. Files are uploaded
concurrently; a file that fails does not stop the others. Hidden files and
directories are skipped.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runImport,
}

var (
	uploadMime          string
	uploadName          string
	uploadNoThumbnail   bool
	uploadQuality       int
	uploadThumbnailSize string

	importRecursive bool
	importBatchSize int
)

func init() {
	f := uploadCmd.Flags()
	f.StringVar(&uploadMime, "mime", "", "MIME type (default: detected from content)")
	f.StringVar(&uploadName, "name", "", "Original name to record (single file only)")
	f.BoolVar(&uploadNoThumbnail, "no-thumbnail", false, "Skip thumbnail generation")
	f.IntVar(&uploadQuality, "quality", 0, "Thumbnail JPEG quality (1-100)")
	f.StringVar(&uploadThumbnailSize, "thumbnail-size", "", "Thumbnail bounding box, WxH")

	importCmd.Flags().BoolVarP(&importRecursive, "recursive", "r", false, "Descend into subdirectories")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 50, "Files per request")
}

func runUpload(cmd *cobra.Command, args []string) {
	if uploadName != "" && len(args) > 1 {
		exitError("--name requires a single file")
	}

	opts, err := uploadOptions(cmd)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			color.Red("%s: %v", path, err)
			failed++
			continue
		}

		name := uploadName
		if name == "" {
			name = filepath.Base(path)
		}
		res, err := c.Client.Upload(cmd.Context(), data, name, uploadMime, opts)
		if err != nil {
			color.Red("%s: %v", path, err)
			failed++
			continue
		}

		if res.Deduplicated {
			yellow.Printf("deduplicated ")
		} else {
			green.Printf("stored       ")
		}
		fmt.Printf("%s  %s (refs: %d)\n", models.ShortHash(res.Hash), path, res.RefCount)
		fmt.Printf("  url:       %s\n", res.URL)
		if res.ThumbnailURL != nil {
			fmt.Printf("  thumbnail: %s\n", *res.ThumbnailURL)
		}
		for _, w := range res.Warnings {
			yellow.Printf("  warning: %s\n", w)
		}
	}

	if failed > 0 {
		exitError("%d of %d uploads failed", failed, len(args))
	}
}

// uploadOptions returns nil unless a thumbnail flag was given, so the
// store's configured defaults apply.
func uploadOptions(cmd *cobra.Command) (*assets.UploadOptions, error) {
	f := cmd.Flags()
	if !f.Changed("no-thumbnail") && !f.Changed("quality") && !f.Changed("thumbnail-size") {
		return nil, nil
	}

	opts := &assets.UploadOptions{GenerateThumbnail: !uploadNoThumbnail}
	opts.Thumbnail.Quality = uploadQuality
	if uploadThumbnailSize != "" {
		w, h, err := parseSize(uploadThumbnailSize)
		if err != nil {
			return nil, err
		}
		opts.Thumbnail.MaxWidth, opts.Thumbnail.MaxHeight = w, h
	}
	return opts, nil
}

// parseSize parses "WxH".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, want WxH", s)
	}
	w, werr := strconv.Atoi(ws)
	h, herr := strconv.Atoi(hs)
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q, want WxH", s)
	}
	return w, h, nil
}

func runImport(cmd *cobra.Command, args []string) {
	if importBatchSize < 1 {
		exitError("--batch-size must be at least 1")
	}

	files, err := collectFiles(args, importRecursive)
	if err != nil {
		exitError("%v", err)
	}
	if len(files) == 0 {
		fmt.Println("No files to import")
		return
	}

	c := initContext()
	defer c.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	var stored, deduped, failed int
	var bytesIn int64
	for start := 0; start < len(files); start += importBatchSize {
		end := min(start+importBatchSize, len(files))
		items := make([]assets.ImportItem, 0, end-start)
		for _, path := range files[start:end] {
			items = append(items, assets.ImportItem{Path: path, Filename: filepath.Base(path)})
		}

		results, err := c.Client.ImportBatch(cmd.Context(), items)
		if err != nil {
			exitError("import failed after %d files: %v", start, err)
		}

		for i, r := range results {
			path := files[start+i]
			switch {
			case r.Error != "":
				red.Printf("failed       %s: %s\n", path, r.Error)
				failed++
			case r.Result.Deduplicated:
				yellow.Printf("deduplicated ")
				fmt.Printf("%s  %s\n", models.ShortHash(r.Result.Hash), path)
				deduped++
			default:
				green.Printf("stored       ")
				fmt.Printf("%s  %s\n", models.ShortHash(r.Result.Hash), path)
				stored++
				bytesIn += r.Result.Size
			}
		}
	}

	fmt.Printf("\n%d stored (%s), %d deduplicated, %d failed\n",
		stored, humanize.IBytes(uint64(bytesIn)), deduped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// collectFiles expands paths into regular files, skipping hidden entries.
// Directories are only descended into when recursive is set; otherwise
// their direct children are taken.
func collectFiles(paths []string, recursive bool) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}
