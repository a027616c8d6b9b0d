package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"echoroi/internal/extract"
	"echoroi/internal/geometry"
	"echoroi/internal/grid"
	"echoroi/internal/render"
	"echoroi/internal/store"
)

// roiFlags are the flags shared by extract and render.
type roiFlags struct {
	gridPath string
	outDir   string
	padding  int
	size     string
	channels []float64
	pending  bool
}

func (f *roiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.gridPath, "grid", "", "Echogram array file (default: extract.grid_path)")
	cmd.Flags().StringVarP(&f.outDir, "out", "o", "", "Output directory (default: extract.output_dir)")
	cmd.Flags().IntVar(&f.padding, "padding", -1, "Pad the bounding box by this many samples")
	cmd.Flags().StringVar(&f.size, "size", "", "Fixed window size as WIDTHxHEIGHT")
	cmd.Flags().Float64SliceVar(&f.channels, "channels", nil, "Channels to extract (default: extract.channels)")
	cmd.Flags().BoolVar(&f.pending, "pending", false, "Only shapes that are new or modified")
}

// strategy resolves the window strategy from the flags, falling back to the
// window section of the configuration.
func (f *roiFlags) strategy(a *app) (geometry.Strategy, error) {
	if f.size != "" && f.padding >= 0 {
		return geometry.Strategy{}, errors.New("--padding and --size are mutually exclusive")
	}
	if f.size != "" {
		w, h, err := parseSize(f.size)
		if err != nil {
			return geometry.Strategy{}, err
		}
		return geometry.WithSize(w, h), nil
	}
	if f.padding >= 0 {
		return geometry.WithPadding(f.padding), nil
	}
	return a.cfg.Strategy(), nil
}

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q: want WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return w, h, nil
}

// prepare opens the registry and the array and builds an extractor.
func (f *roiFlags) prepare(a *app) (*store.Store, *extract.Extractor, string, error) {
	gridPath := f.gridPath
	if gridPath == "" {
		gridPath = a.cfg.Extract.GridPath
	}
	if gridPath == "" {
		return nil, nil, "", errors.New("no echogram array: pass --grid or set extract.grid_path")
	}
	outDir := f.outDir
	if outDir == "" {
		outDir = a.cfg.Extract.OutputDir
	}
	if len(f.channels) == 0 {
		f.channels = a.cfg.Extract.Channels
	}

	acc, err := grid.LoadJSON(gridPath)
	if err != nil {
		return nil, nil, "", err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("create output directory: %w", err)
	}

	st, err := a.openStore()
	if err != nil {
		return nil, nil, "", err
	}
	ex := extract.New(st, acc,
		extract.WithLogger(a.logger),
		extract.WithMaskCacheTTL(a.cfg.MaskCacheTTL()),
	)
	return st, ex, outDir, nil
}

func (f *roiFlags) filter() store.Filter {
	if f.pending {
		return store.FilterPending
	}
	return store.FilterAll
}

// roiFile is the JSON written for one extracted ROI.
type roiFile struct {
	ID       string      `json:"id"`
	Window   windowJSON  `json:"window"`
	Channels []float64   `json:"channels"`
	Pixels   []pixelJSON `json:"pixels"`
}

type windowJSON struct {
	XMin int `json:"x_min"`
	XMax int `json:"x_max"`
	YMin int `json:"y_min"`
	YMax int `json:"y_max"`
}

type pixelJSON struct {
	X      int       `json:"x"`
	Y      int       `json:"y"`
	Values []float64 `json:"values"`
}

func writeROI(dir string, res *extract.Result) error {
	out := roiFile{
		ID:       res.ID,
		Window:   windowJSON{XMin: res.Window.XMin, XMax: res.Window.XMax, YMin: res.Window.YMin, YMax: res.Window.YMax},
		Channels: res.Channels,
		Pixels:   []pixelJSON{},
	}
	for _, p := range res.Stack() {
		out.Pixels = append(out.Pixels, pixelJSON{X: p.X, Y: p.Y, Values: p.Values})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", res.ID, err)
	}
	return os.WriteFile(filepath.Join(dir, res.ID+".json"), data, 0644)
}

func extractCommand(a *app) *cobra.Command {
	var f roiFlags
	var delta float64

	cmd := &cobra.Command{
		Use:   "extract [id...]",
		Short: "Write the masked pixels of registered shapes as JSON",
		Long: `Extract the pixels inside each shape from the echogram array.

With ids, only those shapes are extracted; otherwise every active shape (or
only new and modified ones with --pending). Each ROI is written to
<out>/<id>.json as a list of fully populated pixels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := f.strategy(a)
			if err != nil {
				return err
			}
			st, ex, outDir, err := f.prepare(a)
			if err != nil {
				return err
			}
			defer st.Close()

			req := extract.Request{Strategy: &strategy, Channels: f.channels}
			useDelta := cmd.Flags().Changed("delta")

			count := 0
			emit := func(res *extract.Result) error {
				if useDelta {
					d, err := res.DeltaSv(delta)
					if err != nil {
						return fmt.Errorf("%s: %w", res.ID, err)
					}
					res = d
				}
				if err := writeROI(outDir, res); err != nil {
					return err
				}
				count++
				return nil
			}

			ctx := cmd.Context()
			if len(args) > 0 {
				for _, id := range args {
					res, err := ex.Extract(ctx, id, req)
					if err != nil {
						return fmt.Errorf("extract %s: %w", id, err)
					}
					if err := emit(res); err != nil {
						return err
					}
				}
			} else if err := ex.Each(ctx, f.filter(), req, emit); err != nil {
				return err
			}

			a.logger.Info("extracted regions", "count", count, "out", outDir, "window", strategy.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d ROIs to %s\n", count, outDir)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().Float64Var(&delta, "delta", 0, "Subtract this reference channel from the others")
	return cmd
}

// plotted returns the ids that already have an image in dir.
func plotted(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".png"))
	}
	return ids, nil
}

func renderCommand(a *app) *cobra.Command {
	var f roiFlags
	var force bool
	var scale int
	var rgb []float64

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Draw each shape over its echogram window as PNG",
		Long: `Render every selected shape to <out>/<id>.png with the mask overlaid
and the vertices marked.

Shapes that already have an image are skipped while unchanged; use --force
to draw them again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := f.strategy(a)
			if err != nil {
				return err
			}
			st, ex, outDir, err := f.prepare(a)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := f.filter()
			if !force {
				done, err := plotted(outDir)
				if err != nil {
					return err
				}
				filter.Done = done
			}

			opts := render.Options{
				Channels: rgb,
				VMin:     a.cfg.Render.VMin,
				VMax:     a.cfg.Render.VMax,
				AlphaIn:  a.cfg.Render.AlphaIn,
				AlphaOut: a.cfg.Render.AlphaOut,
				Scale:    a.cfg.Render.Scale,
			}
			if scale > 0 {
				opts.Scale = scale
			}

			ctx := cmd.Context()
			req := extract.Request{Strategy: &strategy, Channels: f.channels, KeepOutside: true}
			count := 0
			err = ex.Each(ctx, filter, req, func(res *extract.Result) error {
				rec, err := st.Get(ctx, res.ID)
				if err != nil {
					return err
				}
				o := opts
				o.Vertices = rec.Points
				if err := writePNG(filepath.Join(outDir, res.ID+".png"), res, o); err != nil {
					return err
				}
				count++
				return nil
			})
			if err != nil {
				return err
			}

			a.logger.Info("rendered regions", "count", count, "out", outDir)
			fmt.Fprintf(cmd.OutOrStdout(), "Rendered %d ROIs to %s\n", count, outDir)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Redraw shapes that already have an image")
	cmd.Flags().IntVar(&scale, "scale", 0, "Upscaling factor (default: render.scale)")
	cmd.Flags().Float64SliceVar(&rgb, "rgb", nil, "One channel for grey or three for red, green, blue")
	return cmd
}

func writePNG(path string, res *extract.Result, opts render.Options) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			// A partial image would count as already plotted.
			os.Remove(path)
		}
	}()
	return render.PNG(f, res, opts)
}
