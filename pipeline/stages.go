package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"img2keychain/image2color"
	"img2keychain/image2mask"
	"img2keychain/label2mask"
	"img2keychain/mask2svg"
	"img2keychain/raster"
	"img2keychain/stl"
	"img2keychain/stl2mf"
	"img2keychain/storage"
	"img2keychain/svg2stl"
	k2ptypes "img2keychain/type"
)

// job is the state handed from stage to stage within one Process call.
type job struct {
	p      *Pipeline
	log    *zap.Logger
	id     string
	params k2ptypes.Params
	input  string

	sep     *image2mask.Result
	palette k2ptypes.Palette
	masks   []label2mask.SlotMask
	crisp   bool
	regions []k2ptypes.ColorRegion

	// frame is shared by every colour layer
	frame *raster.BinaryMask

	silOnce    sync.Once
	silOutline *mask2svg.Outline
	silErr     error

	outlines []*mask2svg.Outline
	meshes   []*stl.Mesh
	stls     [][]byte
	files    []k2ptypes.ColorSTL
	merged   []byte
	threeMF  []byte

	manifest k2ptypes.Manifest
	paths    map[string]string
}

// write stores one artifact and records its path under key.
func (j *job) write(ctx context.Context, name, key string, data []byte) (string, error) {
	path, err := j.p.deps.Layout.Path(j.id, name)
	if err != nil {
		return "", err
	}
	if err := storage.WriteFile(path, data); err != nil {
		return "", err
	}
	if err := j.p.artifact(ctx, j.log, j.id, key, path); err != nil {
		return "", err
	}
	if j.paths == nil {
		j.paths = map[string]string{}
	}
	j.paths[key] = path
	return path, nil
}

func (j *job) separate(ctx context.Context) error {
	f, err := os.Open(j.input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	img, err := image2mask.Decode(f)
	f.Close()
	if err != nil {
		return err
	}
	if err := j.p.artifact(ctx, j.log, j.id, k2ptypes.ArtifactInput, j.input); err != nil {
		return err
	}

	sep, err := image2mask.Separate(img, j.p.separatorOptions(j.params))
	if err != nil {
		return err
	}
	j.sep = sep

	var buf bytes.Buffer
	if err := png.Encode(&buf, sep.Clean.ToNRGBA()); err != nil {
		return fmt.Errorf("encode clean image: %w", err)
	}
	if _, err := j.write(ctx, storage.CleanName, k2ptypes.ArtifactClean, buf.Bytes()); err != nil {
		return err
	}
	buf.Reset()
	if err := raster.WritePGM(&buf, sep.Silhouette); err != nil {
		return err
	}
	if _, err := j.write(ctx, storage.SilhouetteName, k2ptypes.ArtifactSilhouette, buf.Bytes()); err != nil {
		return err
	}
	j.log.Info("foreground separated",
		zap.Int("width", sep.Silhouette.Width),
		zap.Int("height", sep.Silhouette.Height),
		zap.Int("foreground", sep.Silhouette.Count()),
		zap.Bool("alpha", sep.UsedAlpha),
		zap.Bool("background_slot", sep.BackgroundMask != nil))
	j.p.progress(ctx, j.log, j.id, ProgressSeparated)
	return nil
}

func (j *job) classify(ctx context.Context) error {
	sep := j.sep
	pal := image2color.ExtractPalette(sep.Clean, sep.Foreground(), j.params.MaxColors)
	if sep.BackgroundMask != nil {
		pal.Append(k2ptypes.Slot{Color: sep.Background, Role: k2ptypes.RoleBackground})
	}

	res, err := j.p.classifier.Classify(sep.Clean, sep.Silhouette, sep.BackgroundMask, pal, j.params.MaxColors)
	if err != nil {
		return err
	}
	if len(res.Retained) == 0 {
		return ErrNoColors
	}
	j.palette = res.Palette
	j.crisp = res.Crisp

	masks := j.p.cleaner.Extract(res.Labels, res.Palette, res.Retained, res.Crisp)
	if len(masks) == 0 {
		return ErrNoColors
	}
	j.frame = label2mask.Resample(sep.Silhouette, masks[0].Mask.Width, masks[0].Mask.Height, res.Crisp)

	if j.params.BorderEnabled {
		ring, ok := label2mask.StrokeMask(j.frame, j.params.Width, j.params.Height, j.params.BorderThickness)
		if ok {
			slot := j.palette.Append(k2ptypes.Slot{Color: label2mask.StrokeColor, Role: k2ptypes.RoleStroke})
			masks = append(masks, label2mask.SlotMask{
				Slot: slot, Color: label2mask.StrokeColor, Role: k2ptypes.RoleStroke,
				Mask: ring, Pixels: ring.Count(),
			})
		} else {
			j.log.Warn("border too thin, skipped", zap.Float64("border_mm", j.params.BorderThickness))
			j.p.deps.Observer.Degraded("border_skipped")
		}
	}
	j.masks = masks

	if err := j.p.deps.Store.SetPalette(ctx, j.id, j.palette.Hexes()); err != nil {
		return fmt.Errorf("record palette: %w", err)
	}

	var buf bytes.Buffer
	for _, m := range masks {
		buf.Reset()
		if err := raster.WritePGM(&buf, m.Mask); err != nil {
			return err
		}
		path, err := j.write(ctx, storage.MaskName(m.Slot), k2ptypes.SlotArtifact(k2ptypes.ArtifactMask, m.Slot), buf.Bytes())
		if err != nil {
			return err
		}
		j.regions = append(j.regions, k2ptypes.ColorRegion{Index: m.Slot, Color: m.Color, MaskPath: path, Pixels: m.Pixels})
	}
	j.log.Info("palette classified",
		zap.Strings("palette", j.palette.Hexes()),
		zap.Int("regions", len(j.regions)),
		zap.Bool("crisp", j.crisp))
	j.p.progress(ctx, j.log, j.id, ProgressMasks)
	return nil
}

// colours vectorize and extrude independently; results land in slot order
func (j *job) colors(ctx context.Context) error {
	n := len(j.masks)
	j.outlines = make([]*mask2svg.Outline, n)
	j.meshes = make([]*stl.Mesh, n)
	j.stls = make([][]byte, n)
	j.files = make([]k2ptypes.ColorSTL, n)
	scale := svg2stl.FitScale(float64(j.frame.Width), float64(j.frame.Height), j.params.Width, j.params.Height)

	var mu sync.Mutex
	steps := 0
	step := func() {
		mu.Lock()
		defer mu.Unlock()
		steps++
		j.p.progress(ctx, j.log, j.id, ProgressMasks+steps*(ProgressColors-ProgressMasks)/(2*n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.p.cfg.Parallelism)
	for i := range j.masks {
		g.Go(func() error {
			m := j.masks[i]
			o, err := j.trace(gctx, m)
			if err != nil {
				return stageErr(StageVectorize, fmt.Errorf("slot %d: %w", m.Slot, err))
			}
			j.outlines[i] = o
			step()

			start := time.Now()
			data, err := j.p.deps.Extruder.Extrude(gctx, o, svg2stl.ExtrudeParams{Thickness: j.params.Thickness, Scale: scale})
			if err != nil {
				return stageErr(StageExtrude, fmt.Errorf("slot %d: %w", m.Slot, err))
			}
			mesh, err := stl.Parse(data)
			if err != nil {
				return stageErr(StageExtrude, fmt.Errorf("slot %d: %w", m.Slot, err))
			}
			j.p.deps.Observer.ObserveStage(StageExtrude, time.Since(start))
			j.meshes[i] = mesh
			j.stls[i] = data
			step()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// written in slot order, not completion order
	var buf bytes.Buffer
	for i, m := range j.masks {
		buf.Reset()
		if err := mask2svg.RenderPreview(&buf, []mask2svg.Layer{{Color: m.Color, Outline: j.outlines[i]}}); err != nil {
			return stageErr(StageVectorize, err)
		}
		svgPath, err := j.write(ctx, storage.OutlineName(m.Slot), k2ptypes.SlotArtifact(k2ptypes.ArtifactOutline, m.Slot), buf.Bytes())
		if err != nil {
			return err
		}
		j.regions[i].SVGPath = svgPath
		stlPath, err := j.write(ctx, storage.ColorSTLName(m.Slot), k2ptypes.SlotArtifact(k2ptypes.ArtifactSTL, m.Slot), j.stls[i])
		if err != nil {
			return err
		}
		j.files[i] = k2ptypes.ColorSTL{Index: m.Slot, Color: m.Color, STLPath: stlPath}
	}
	j.log.Info("colours extruded", zap.Int("colors", n), zap.Float64("mm_per_px", scale))
	return nil
}

// trace falls back to the whole silhouette when a slot cannot be traced.
func (j *job) trace(ctx context.Context, m label2mask.SlotMask) (*mask2svg.Outline, error) {
	start := time.Now()
	o, err := j.p.deps.Vectorizer.Trace(ctx, m.Mask)
	j.p.deps.Observer.ObserveStage(StageVectorize, time.Since(start))
	if err == nil && !o.Empty() {
		return o, nil
	}
	if err == nil {
		err = mask2svg.ErrNoPaths
	}
	j.log.Warn("vectorization failed, using silhouette", zap.Int("slot", m.Slot), zap.Error(err))
	j.p.deps.Observer.Degraded("vectorize_fallback")
	return j.silhouette(ctx)
}

func (j *job) silhouette(ctx context.Context) (*mask2svg.Outline, error) {
	j.silOnce.Do(func() {
		o, err := j.p.deps.Vectorizer.Trace(ctx, j.frame)
		if err == nil && o.Empty() {
			err = mask2svg.ErrNoPaths
		}
		j.silOutline, j.silErr = o, err
	})
	return j.silOutline, j.silErr
}

// ring goes on the first colour; the merged mesh replaces it in the 3MF
func (j *job) ring(ctx context.Context) error {
	if !j.params.RingParams.Enabled {
		return nil
	}
	merged, ok := stl.AttachRing(ctx, j.meshes[0], j.params.RingParams, j.p.deps.Ring, j.log)
	if !ok {
		j.p.deps.Observer.Degraded("ring_omitted")
		return nil
	}
	var buf bytes.Buffer
	if err := stl.WriteASCII(&buf, "merged", merged); err != nil {
		return err
	}
	if _, err := j.write(ctx, storage.MergedName(j.id), k2ptypes.ArtifactMerged, buf.Bytes()); err != nil {
		return err
	}
	j.merged = buf.Bytes()
	j.meshes[0] = merged
	j.stls[0] = j.merged
	return nil
}

// preview failures leave the job without a preview
func (j *job) preview(ctx context.Context) error {
	layers := make([]mask2svg.Layer, len(j.masks))
	for i, m := range j.masks {
		layers[i] = mask2svg.Layer{Color: m.Color, Outline: j.outlines[i]}
	}
	var buf bytes.Buffer
	if err := mask2svg.RenderPreview(&buf, layers); err != nil {
		j.log.Warn("preview skipped", zap.Error(err))
		j.p.deps.Observer.Degraded("preview_skipped")
		return nil
	}
	_, err := j.write(ctx, storage.PreviewName, k2ptypes.ArtifactPreview, buf.Bytes())
	return err
}

func (j *job) buildThreeMF(ctx context.Context) error {
	objects := make([]stl2mf.Object, len(j.masks))
	for i, m := range j.masks {
		objects[i] = stl2mf.Object{Name: fmt.Sprintf("color_%d", m.Slot), Color: m.Color, Mesh: j.meshes[i]}
	}
	var buf bytes.Buffer
	if err := stl2mf.Build3MF(&buf, objects); err != nil {
		return err
	}
	if _, err := j.write(ctx, storage.ThreeMFName(j.id), k2ptypes.ArtifactThreeMF, buf.Bytes()); err != nil {
		return err
	}
	j.threeMF = buf.Bytes()
	j.p.progress(ctx, j.log, j.id, ProgressThreeMF)
	return nil
}

func (j *job) pack(ctx context.Context) error {
	layers := make([]stl2mf.Layer, len(j.masks))
	for i, m := range j.masks {
		layers[i] = stl2mf.Layer{Slot: m.Slot, Color: m.Color, STL: j.stls[i]}
	}
	var buf bytes.Buffer
	manifest, err := stl2mf.BuildPackage(&buf, j.id, layers, j.threeMF, j.merged)
	if err != nil {
		return err
	}
	if _, err := j.write(ctx, storage.PackageName(j.id), k2ptypes.ArtifactPackage, buf.Bytes()); err != nil {
		return err
	}
	j.manifest = manifest
	j.p.progress(ctx, j.log, j.id, ProgressPackage)
	return nil
}

// mirror failures are logged; the local artifacts stay authoritative
func (j *job) mirror(ctx context.Context) error {
	for _, key := range []string{k2ptypes.ArtifactPackage, k2ptypes.ArtifactThreeMF, k2ptypes.ArtifactMerged} {
		local, ok := j.paths[key]
		if !ok {
			continue
		}
		remote, err := j.p.deps.Mirror.Put(ctx, j.id, local)
		if err != nil {
			j.log.Warn("mirror failed", zap.String("artifact", key), zap.Error(err))
			j.p.deps.Observer.Degraded("mirror_failed")
			continue
		}
		if remote == local {
			continue
		}
		if err := j.p.artifact(ctx, j.log, j.id, k2ptypes.RemoteArtifact(key), remote); err != nil {
			return err
		}
	}
	return nil
}
