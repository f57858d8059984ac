package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"protoscale/internal/backend"
	"protoscale/internal/engine"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "protoscale",
		Short:         "Turn photos into 3D models and track the jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "Config file (.yaml, .json or .toml); defaults to ~/.protoscale/config.yaml if present")
	pf.StringVar(&a.cfg.APIURL, "api-url", "", "Backend base URL including /api (PROTOSCALE_API_URL)")
	pf.StringVar(&a.cfg.APIKey, "api-key", "", "Backend API key (PROTOSCALE_API_KEY)")
	pf.StringVar(&a.cfg.StatePath, "state", "", "SQLite state file (PROTOSCALE_STATE_PATH)")
	pf.StringVar(&a.cfg.SyncDir, "sync-dir", "", "Directory shared by concurrent invocations (PROTOSCALE_SYNC_DIR)")
	pf.StringVar(&a.cfg.LogLevel, "log-level", "", "Log level: debug|info|warn|error (PROTOSCALE_LOG_LEVEL)")

	root.AddCommand(
		uploadCmd(a), generateCmd(a), statusCmd(a), watchCmd(a),
		backgroundCmd(a), resumeCmd(a), textureCmd(a), cancelTextureCmd(a),
		etaCmd(a), historyCmd(a), openCmd(a), deleteCmd(a), resetCmd(a),
		devserverCmd(a),
	)
	return root
}

// run opens the runtime, calls fn with a signal-aware context and closes
// everything afterwards.
func (a *app) run(fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(); err != nil {
			return err
		}
		defer a.close()
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return fn(ctx, args)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) printState() {
	fmt.Fprintln(a.out, renderState(a.eng.State(), a.eng.CanStartNewJob(), a.eng.TextureETARemaining()))
}

func uploadCmd(a *app) *cobra.Command {
	var (
		preset    string
		noRembg   bool
		noPBR     bool
		lowPoly   bool
		symmetry  string
		thenStart bool
	)
	cmd := &cobra.Command{
		Use:     "upload IMAGE...",
		Short:   "Upload one to four views of an object",
		Example: "  protoscale upload chair-front.png chair-side.png --preset v3 --generate",
		Args:    cobra.RangeArgs(1, 4),
	}
	cmd.RunE = a.run(func(ctx context.Context, args []string) error {
		files := make([]backend.UploadFile, 0, len(args))
		for _, p := range args {
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			files = append(files, backend.UploadFile{Name: filepath.Base(p), Content: b})
		}
		rb, pbr := !noRembg, !noPBR
		opts := engine.GenerateOptions{
			RemoveBackground: &rb,
			ModelPreset:      engine.PresetID(preset),
			EnablePBR:        &pbr,
			SymmetryMode:     symmetry,
		}
		if lowPoly {
			opts.ModelType = string(engine.ModelLowPoly)
		}
		if err := a.eng.UploadImage(ctx, files, opts); err != nil {
			return err
		}
		a.eng.GoToGenerate(nil)
		if thenStart {
			if err := a.eng.Generate3D(ctx); err != nil {
				return err
			}
			return a.watch(ctx)
		}
		a.printState()
		return nil
	})
	f := cmd.Flags()
	f.StringVar(&preset, "preset", "", "Quality preset: v1|v2|v3")
	f.BoolVar(&noRembg, "keep-background", false, "Skip background removal")
	f.BoolVar(&noPBR, "no-pbr", false, "Skip PBR texturing")
	f.BoolVar(&lowPoly, "lowpoly", false, "Generate a low-poly mesh (forces v3)")
	f.StringVar(&symmetry, "symmetry", "", "Symmetry mode: off|auto|on")
	f.BoolVar(&thenStart, "generate", false, "Start generation right after the upload and watch it")
	return cmd
}

func generateCmd(a *app) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{Use: "generate", Short: "Start 3D generation for the uploaded job", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		if err := a.eng.Generate3D(ctx); err != nil {
			return err
		}
		if wait {
			return a.watch(ctx)
		}
		a.printState()
		return nil
	})
	cmd.Flags().BoolVar(&wait, "wait", false, "Watch until the job finishes")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "status", Short: "Show the current job, texture and background slot", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		st := a.eng.State()
		if st.Job.ID != "" && st.IsProcessing {
			if err := a.eng.SyncStatus(ctx, st.Job.ID); err != nil {
				a.log.Warn().Err(err).Msg("status refresh failed")
			}
		}
		a.printState()
		return nil
	})
	return cmd
}

func watchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "watch", Short: "Poll running work until it finishes", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error { return a.watch(ctx) })
	return cmd
}

// watch resumes lanes for whatever is in flight and prints progress until
// nothing is active or ctx ends.
func (a *app) watch(ctx context.Context) error {
	a.eng.ResumeJob()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for {
		st := a.eng.State()
		line := progressLine(st)
		if line != last {
			fmt.Fprintln(a.out, line)
			last = line
		}
		if !st.HasActiveOperation() && len(st.UI.Queue) == 0 {
			a.printState()
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out, warnStyle.Render("stopped watching; work continues on the backend"))
			return nil
		case ev := <-a.events.C:
			if ev.Name == engine.EventNotify || ev.Name == engine.EventJobFailed || ev.Name == engine.EventTextureFailed {
				fmt.Fprintln(a.out, renderEvent(ev))
			}
		case <-ticker.C:
		}
	}
}

func progressLine(st engine.State) string {
	switch {
	case st.IsProcessing:
		return fmt.Sprintf("%-12s %s", st.UI.Current, progressBar(st.Job.Progress, 24))
	case st.Texture.Status.Active():
		return fmt.Sprintf("%-12s %s", "texture", progressBar(st.Texture.Progress, 24))
	case st.Background.Active():
		return fmt.Sprintf("%-12s %s", "background", progressBar(st.Background.Progress, 24))
	}
	return string(st.Job.Status)
}

func backgroundCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "background", Short: "Move the running job to the background slot", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		if err := a.eng.ContinueInBackground(); err != nil {
			return err
		}
		a.printState()
		return nil
	})
	return cmd
}

func resumeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "resume", Short: "Bring the background job back to the foreground", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		if err := a.eng.ResumeBackgroundJob(); err != nil {
			return err
		}
		a.printState()
		return nil
	})
	return cmd
}

func textureFlags(cmd *cobra.Command, t *engine.TextureSettings) {
	f := cmd.Flags()
	f.StringVar(&t.ObjectPrompt, "object", "", "What the object is")
	f.StringVar(&t.StylePrompt, "style", "", "Desired surface style")
	f.StringVar(&t.NegativePrompt, "negative", "", "What to avoid")
	f.StringVar(&t.ArtStyle, "art-style", t.ArtStyle, "Art style")
	f.IntVar(&t.Resolution, "resolution", t.Resolution, "Texture resolution: 512|1024|2048|4096")
	f.StringVar(&t.AIModel, "model", t.AIModel, "Texture model")
	f.IntVar(&t.NumViews, "views", t.NumViews, "Number of views")
	f.BoolVar(&t.ApplyPaint, "paint", t.ApplyPaint, "Apply the paint pass")
	f.BoolVar(&t.EnablePBR, "pbr", t.EnablePBR, "Generate PBR maps")
}

func textureCmd(a *app) *cobra.Command {
	var wait bool
	t := engine.DefaultTextureSettings()
	cmd := &cobra.Command{
		Use:     "texture",
		Short:   "Re-texture the completed model",
		Example: `  protoscale texture --object "wooden chair" --style "weathered oak" --resolution 1024`,
		Args:    cobra.NoArgs,
	}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		a.eng.SetTextureSettings(t)
		if err := a.eng.ApplyTexture(ctx); err != nil {
			return err
		}
		if wait {
			return a.watch(ctx)
		}
		a.printState()
		return nil
	})
	textureFlags(cmd, &t)
	cmd.Flags().BoolVar(&wait, "wait", false, "Watch until the texture finishes")
	return cmd
}

func cancelTextureCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "cancel-texture", Short: "Cancel the running re-texture", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		if err := a.eng.CancelRetexture(ctx); err != nil {
			return err
		}
		a.printState()
		return nil
	})
	return cmd
}

func etaCmd(a *app) *cobra.Command {
	t := engine.DefaultTextureSettings()
	cmd := &cobra.Command{Use: "eta", Short: "Estimate how long a re-texture takes", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		est := a.eng.EstimateTextureETA(t)
		fmt.Fprintln(a.out, row("estimate", engine.FormatDurationShort(float64(est))))
		fmt.Fprintln(a.out, row("fallback", engine.FormatDurationShort(float64(engine.FallbackETA(t)))))
		st := a.eng.State()
		if st.Texture.Status.Active() || st.Background.Type == engine.OpTexture {
			fmt.Fprintln(a.out, row("window", a.eng.TextureETAWindow().String()))
			fmt.Fprintln(a.out, row("remaining", a.eng.TextureETARemaining()))
		}
		return nil
	})
	textureFlags(cmd, &t)
	return cmd
}

func historyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "List generated models", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		if err := a.hist.Load(ctx); err != nil {
			a.log.Warn().Err(err).Msg("history load failed")
		}
		online, known := a.hist.BackendOnline()
		fmt.Fprintln(a.out, renderHistory(a.hist.Items(), online, known))
		return nil
	})
	return cmd
}

func openCmd(a *app) *cobra.Command {
	var preset string
	cmd := &cobra.Command{Use: "open JOB_ID", Short: "Load a finished job into the preview", Args: cobra.ExactArgs(1)}
	cmd.RunE = a.run(func(ctx context.Context, args []string) error {
		if preset == "" {
			if err := a.hist.Load(ctx); err == nil {
				if it, ok := a.hist.Get(args[0]); ok {
					preset = it.QualityPreset
				}
			}
		}
		a.eng.LoadFromHistory(args[0], engine.HistoryMeta{QualityPreset: engine.PresetID(preset)})
		a.printState()
		return nil
	})
	cmd.Flags().StringVar(&preset, "preset", "", "Quality preset the job was generated with")
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "delete JOB_ID", Short: "Delete a model from the backend and history", Args: cobra.ExactArgs(1)}
	cmd.RunE = a.run(func(ctx context.Context, args []string) error {
		if err := a.hist.DeleteModel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(a.out, okStyle.Render("deleted "+args[0]))
		return nil
	})
	return cmd
}

func resetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "reset", Short: "Forget the current job and start over", Args: cobra.NoArgs}
	cmd.RunE = a.run(func(ctx context.Context, _ []string) error {
		a.eng.Reset()
		a.printState()
		return nil
	})
	return cmd
}
