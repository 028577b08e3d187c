package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"img2keychain/config"
	"img2keychain/pipeline"
	k2ptypes "img2keychain/type"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径 (YAML)")
	input := flag.String("input", "", "直接转换的图片路径")
	enqueue := flag.String("enqueue", "", "加入队列的图片路径")
	jobID := flag.String("job", "", "任务 ID，默认随机生成")
	workerMode := flag.Bool("worker", false, "以工作进程模式运行，消费队列")

	def := k2ptypes.DefaultParams()
	width := flag.Float64("width", def.Width, "宽度 (mm)")
	height := flag.Float64("height", def.Height, "高度 (mm)")
	thickness := flag.Float64("thickness", def.Thickness, "厚度 (mm)")
	threshold := flag.Int("threshold", def.Threshold, "背景检测灵敏度 100-220")
	colors := flag.Int("colors", def.MaxColors, "最大颜色数量 1-10")
	keepBackground := flag.Bool("keep-background", false, "保留背景作为打印颜色")
	border := flag.Float64("border", 0, "外描边宽度 (mm)，0 表示不加描边")
	ring := flag.Bool("ring", def.Enabled, "是否添加挂环")
	ringDiameter := flag.Float64("ring-diameter", def.Diameter, "挂环内径 (mm)")
	ringThickness := flag.Float64("ring-thickness", def.RingParams.Thickness, "挂环壁厚 (mm)")
	ringPosition := flag.String("ring-position", string(def.Position), "挂环位置: top, left, right")

	help := flag.Bool("help", false, "显示帮助信息")
	flag.Parse()
	if *help || (*input == "" && *enqueue == "" && !*workerMode) {
		flag.Usage()
		return
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	params := def
	params.Width, params.Height, params.Thickness = *width, *height, *thickness
	params.Threshold, params.MaxColors = *threshold, *colors
	params.RemoveBackground = !*keepBackground
	params.BorderEnabled, params.BorderThickness = *border > 0, *border
	params.Enabled = *ring
	params.Diameter, params.RingParams.Thickness = *ringDiameter, *ringThickness
	params.Position = k2ptypes.RingPosition(*ringPosition)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()

	switch {
	case *workerMode:
		err = app.serve(ctx)
	case *enqueue != "":
		err = app.enqueue(ctx, payload(*jobID, *enqueue, params))
	default:
		err = app.convert(ctx, payload(*jobID, *input, params))
	}
	if err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func payload(id, path string, params k2ptypes.Params) k2ptypes.Payload {
	if id == "" {
		id = uuid.NewString()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return k2ptypes.Payload{JobID: id, FilePath: path, Params: params}
}

// convert 不经过队列，直接处理一张图片
func (a *app) convert(ctx context.Context, p k2ptypes.Payload) error {
	if err := a.pipeline.Process(ctx, p); err != nil {
		return err
	}
	job, err := a.store.Get(ctx, p.JobID)
	if err != nil {
		return err
	}
	fmt.Println(job.Artifacts[k2ptypes.ArtifactPackage])
	return nil
}

// enqueue 先登记待处理任务，再发布到队列
func (a *app) enqueue(ctx context.Context, p k2ptypes.Payload) error {
	if err := p.Params.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := a.store.Create(ctx, &k2ptypes.Job{
		ID: p.JobID, Status: k2ptypes.StatusPending, Params: p.Params,
		InputPath: p.FilePath, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	id, err := pipeline.Enqueue(ctx, a.queue, p)
	if err != nil {
		return err
	}
	a.logger.Info("job enqueued", zap.String("job_id", p.JobID), zap.String("message_id", id))
	fmt.Println(p.JobID)
	return nil
}
