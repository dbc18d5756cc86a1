package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tissueseg/internal/models"
	"tissueseg/pkg/config"
	"tissueseg/pkg/document"
	"tissueseg/pkg/imagesource"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/visualization"
)

var (
	histogramBins int

	thresholdLow  float64
	thresholdHigh float64
	seed          []int
	tissueName    string
	keyframes     []int
	minIsland     int
	maxHole       int
	addSkin       bool
	outputDir     string
	tissuesFile   string
	lockExisting  bool
	dropTissues   []string
	undoSteps     int

	exportAxis  string
	exportLayer string
	exportDir   string

	infoCmd = &cobra.Command{
		Use:   "info [slice directory]",
		Short: "Print the dimensions and intensity statistics of a slice stack",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	segmentCmd = &cobra.Command{
		Use:   "segment [slice directory]",
		Short: "Threshold the stack and grow a tissue from a seed voxel",
		Args:  cobra.ExactArgs(1),
		RunE:  runSegment,
	}

	exportCmd = &cobra.Command{
		Use:   "export [slice directory]",
		Short: "Write every slice of the stack along an axis as PNG images",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration to --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(configPath); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to %s\n", configPath)
			return nil
		},
	}
)

func init() {
	infoCmd.Flags().IntVar(&histogramBins, "bins", 8, "Number of histogram bins per slice (0 disables)")

	f := segmentCmd.Flags()
	f.Float64Var(&thresholdLow, "low", 128, "Lower threshold bound")
	f.Float64Var(&thresholdHigh, "high", 255, "Upper threshold bound")
	f.IntSliceVar(&seed, "seed", nil, "Seed voxel as x,y,slice")
	f.StringVar(&tissueName, "tissue", "tissue", "Name of the tissue to grow")
	f.IntSliceVar(&keyframes, "keyframes", nil, "Slices to keep; the tissue is interpolated between consecutive keyframes")
	f.IntVar(&minIsland, "min-island", 0, "Remove tissue components smaller than this many voxels")
	f.IntVar(&maxHole, "max-hole", 0, "Fill holes in the tissue up to this many voxels")
	f.BoolVar(&addSkin, "skin", false, "Add a skin band around the segmentation")
	f.StringVar(&outputDir, "output", "segmentation", "Directory for the tissue list and overlay slices")
	f.StringVar(&tissuesFile, "tissues", "", "Tissue list to start from")
	f.BoolVar(&lockExisting, "lock-existing", false, "Lock the tissues read from --tissues against overwriting")
	f.StringSliceVar(&dropTissues, "remove-tissue", nil, "Tissues to delete before growing")
	f.IntVar(&undoSteps, "undo-steps", 0, "Undo history length (default: from config)")
	_ = segmentCmd.MarkFlagRequired("seed")

	exportCmd.Flags().StringVar(&exportAxis, "axis", "z", "Slicing axis: x, y or z")
	exportCmd.Flags().StringVar(&exportLayer, "layer", "source", "Layer to render: source, work or overlay")
	exportCmd.Flags().StringVar(&exportDir, "output", "slices", "Output directory")
}

func newReader() *imagesource.DirReader {
	return &imagesource.DirReader{
		SliceGap:     cfg.Input.SliceGap,
		PixelSpacing: cfg.Input.PixelSpacing,
		Workers:      cfg.Processing.NumWorkers,
	}
}

// openDocument loads the slice directory into a new document.
func openDocument(cmd *cobra.Command, dir string) (*document.Document, error) {
	doc, err := document.New(1, 1, 1, document.Options{Config: cfg, Logger: slog.Default()})
	if err != nil {
		return nil, err
	}
	if cfg.Output.Verbose {
		doc.SetProgress(func(completed, total int, message string) {
			fmt.Printf("\r%s: %d/%d", message, completed, total)
			if completed == total {
				fmt.Println()
			}
		})
	}

	fmt.Printf("Loading slices from %s...\n", dir)
	if err := doc.Load(cmd.Context(), newReader(), dir); err != nil {
		doc.Close()
		return nil, err
	}
	s := doc.Stack()
	fmt.Printf("Loaded %d slices of %dx%d voxels\n", s.SliceCount(), s.Width(), s.Height())
	return doc, nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	doc, err := openDocument(cmd, args[0])
	if err != nil {
		return err
	}
	defer doc.Close()

	s := doc.Stack()
	spacing := s.Geometry().Spacing
	fmt.Printf("Voxel spacing: %.3f x %.3f x %.3f mm\n", spacing[0], spacing[1], spacing[2])
	origin, corner := s.Extent()
	fmt.Printf("Patient extent: (%.2f, %.2f, %.2f) to (%.2f, %.2f, %.2f) mm\n",
		origin[0], origin[1], origin[2], corner[0], corner[1], corner[2])
	fmt.Println("================================")
	for i := 0; i < s.SliceCount(); i++ {
		st, err := s.SliceStats(i)
		if err != nil {
			return err
		}
		fmt.Printf("Slice %3d: min %7.2f  max %7.2f  mean %7.2f  stddev %7.2f\n", i, st.Min, st.Max, st.Mean, st.StdDev)
		if histogramBins <= 0 {
			continue
		}
		counts, _, err := s.Histogram(i, histogramBins)
		if err != nil {
			return err
		}
		fmt.Printf("           histogram %v\n", counts)
	}
	return nil
}

func runSegment(cmd *cobra.Command, args []string) error {
	if len(seed) != 3 {
		return fmt.Errorf("--seed needs three values x,y,slice, got %d", len(seed))
	}
	ctx := cmd.Context()
	startTime := time.Now()

	doc, err := openDocument(cmd, args[0])
	if err != nil {
		return err
	}
	defer doc.Close()
	s := doc.Stack()
	all := s.All()
	if undoSteps > 0 {
		doc.SetUndoLimits(undoSteps, 0)
	}

	if tissuesFile != "" {
		if err := doc.LoadTissues(ctx, tissuesFile); err != nil {
			return fmt.Errorf("loading tissue list: %w", err)
		}
		if err := removeNamedTissues(cmd, doc, dropTissues); err != nil {
			return err
		}
		if lockExisting {
			doc.LockAllTissues(true)
		}
	}

	id, ok := doc.Tissues().Find(tissueName)
	if !ok {
		id, err = doc.Tissues().Add(tissue.Info{Name: tissueName, Color: tissue.Color{R: 1, G: 0.2, B: 0.2}, Opacity: 0.5})
		if err != nil {
			return err
		}
	}

	fmt.Printf("Thresholding to [%.1f, %.1f]...\n", thresholdLow, thresholdHigh)
	if err := doc.Threshold(ctx, all, float32(thresholdLow), float32(thresholdHigh), 255); err != nil {
		return fmt.Errorf("threshold failed: %w", err)
	}

	p := models.Point{X: seed[0], Y: seed[1]}
	if err := s.CheckPoint(p); err != nil {
		return err
	}
	start := models.Posit{Pos: p.Index(s.Width()), Slice: seed[2]}
	n, err := doc.AddConnected(all, start, id, false)
	if err != nil {
		return fmt.Errorf("region growing failed: %w", err)
	}
	pt := s.Geometry().PhysicalPoint(p, seed[2])
	fmt.Printf("Grew %q from %v (%.2f, %.2f, %.2f mm): %d voxels\n", tissueName, start, pt[0], pt[1], pt[2], n)

	if minIsland > 0 {
		n, err := doc.RemoveIslands(ctx, all, id, minIsland)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d island voxels\n", n)
	}
	if maxHole > 0 {
		n, err := doc.FillHoles(ctx, all, id, maxHole)
		if err != nil {
			return err
		}
		fmt.Printf("Filled %d hole voxels\n", n)
	}

	for k := 1; k < len(keyframes); k++ {
		s1, s2 := keyframes[k-1], keyframes[k]
		res, err := doc.InterpolateTissue(s1, s2, id)
		if err != nil {
			return fmt.Errorf("interpolating slices %d..%d: %w", s1, s2, err)
		}
		fmt.Printf("Interpolated slices %d..%d (%d slices, %d vanished voxels)\n", s1, s2, res.Slices, res.Vanished)
	}

	if addSkin {
		n, err := doc.AddSkinMM(ctx, all)
		if err != nil {
			return fmt.Errorf("adding skin failed: %w", err)
		}
		fmt.Printf("Added %d skin voxels (%.1f mm)\n", n, cfg.Skin.ThicknessMM)
	}

	fmt.Println("\nTissue volumes:")
	for i, info := range doc.Tissues().Snapshot() {
		count, mm3 := s.LabelVolume(models.Label(i + 1))
		fmt.Printf("- %-16s %8d voxels %12.2f mm^3\n", info.Name, count, mm3)
	}

	tissuePath := filepath.Join(outputDir, "tissues.yaml")
	if err := doc.SaveTissues(tissuePath); err != nil {
		return err
	}
	overlayDir := filepath.Join(outputDir, "overlay")
	if err := visualization.NewViewer(s).SaveSliceSequence("z", visualization.Overlay, overlayDir); err != nil {
		return err
	}

	fmt.Printf("\nSegmentation completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Tissue list saved to: %s\n", tissuePath)
	fmt.Printf("Overlay slices saved to: %s\n", overlayDir)
	return nil
}

// removeNamedTissues deletes the named tissues in a single compaction.
func removeNamedTissues(cmd *cobra.Command, doc *document.Document, names []string) error {
	if len(names) == 0 {
		return nil
	}
	ids := make([]models.Label, 0, len(names))
	for _, name := range names {
		id, ok := doc.Tissues().Find(name)
		if !ok {
			return fmt.Errorf("%w: %q", tissue.ErrTissueNotFound, name)
		}
		ids = append(ids, id)
	}
	if err := doc.RemoveTissues(cmd.Context(), ids); err != nil {
		return fmt.Errorf("removing tissues: %w", err)
	}
	fmt.Printf("Removed %d tissues, %d left\n", len(ids), doc.Tissues().Count())
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	layer, err := visualization.ParseLayer(exportLayer)
	if err != nil {
		return err
	}
	doc, err := openDocument(cmd, args[0])
	if err != nil {
		return err
	}
	defer doc.Close()

	fmt.Printf("Saving %s-axis %s slices to: %s\n", exportAxis, layer, exportDir)
	return visualization.NewViewer(doc.Stack()).SaveSliceSequence(exportAxis, layer, exportDir)
}
