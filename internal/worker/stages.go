// Copyright 2025 James Ross
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flyingrobots/dubcast-job-server/internal/stage"
)

// passthroughStage stands in for the real ASR/translation/TTS/mix/
// lip-sync/packaging collaborators, which sit behind Stage.Run and are
// not part of this system's core. It copies its declared input
// artifact (or the job's source file, for the first stage) to a
// per-stage output path under the job's work directory and records a
// content hash, which is enough to exercise checkpointing, resume, and
// the done-checkpoint skip rule end to end.
type passthroughStage struct {
	name    stage.Name
	workDir string
	inputOf stage.Name // "" for the first stage, whose input is the job source
}

func newPassthroughStage(name, inputOf stage.Name, workDir string) *passthroughStage {
	return &passthroughStage{name: name, workDir: workDir, inputOf: inputOf}
}

func (p *passthroughStage) Name() stage.Name { return p.name }

func (p *passthroughStage) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	srcPath := in.SourcePath
	if p.inputOf != "" {
		prior, ok := in.Artifacts[p.inputOf]
		if !ok || prior["output"] == "" {
			return stage.Output{}, stage.NewFatalError(fmt.Errorf("stage %s: missing output artifact from %s", p.name, p.inputOf))
		}
		srcPath = prior["output"]
	}

	outDir := filepath.Join(p.workDir, in.JobID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return stage.Output{}, stage.NewFatalError(fmt.Errorf("stage %s: mkdir work dir: %w", p.name, err))
	}
	outPath := filepath.Join(outDir, string(p.name)+".out")

	hash, err := copyWithHash(ctx, srcPath, outPath)
	if err != nil {
		if ctx.Err() != nil {
			return stage.Output{}, stage.NewCancelledError(ctx.Err())
		}
		return stage.Output{}, stage.NewTransientError(fmt.Errorf("stage %s: %w", p.name, err))
	}

	return stage.Output{
		ArtifactPaths: map[string]string{"output": outPath, "sha256": hash},
		Message:       fmt.Sprintf("%s complete", p.name),
	}, nil
}

func copyWithHash(ctx context.Context, srcPath, dstPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	w := io.MultiWriter(dst, h)
	if _, err := io.Copy(w, src); err != nil {
		_ = dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DefaultPipeline builds the fixed asr->translate->tts->mix->lipsync->
// package chain of passthrough stages rooted at workDir. A deployment
// wiring a real media pipeline would replace this with its own Stage
// implementations satisfying the same interface.
func DefaultPipeline(workDir string) map[stage.Name]stage.Stage {
	stages := map[stage.Name]stage.Stage{}
	var prior stage.Name
	for _, name := range stage.Order {
		stages[name] = newPassthroughStage(name, prior, workDir)
		prior = name
	}
	return stages
}
