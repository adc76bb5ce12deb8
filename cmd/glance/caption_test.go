package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/glance/internal/caption"
	"github.com/samcharles93/glance/internal/imageprep"
	"github.com/samcharles93/glance/internal/logger"
	"github.com/samcharles93/glance/internal/logits"
)

// fakeCaptioner captions any non-empty input as "a dog runs".
type fakeCaptioner struct{}

func (fakeCaptioner) Generate(_ context.Context, data []byte, step caption.StepFunc) (*caption.Result, error) {
	if len(data) == 0 {
		return nil, caption.ErrInvalidImage
	}
	words := []string{"a", "dog", "runs"}
	for i, w := range words {
		if step != nil {
			step(i, w)
		}
	}
	return &caption.Result{
		Caption: strings.Join(words, " "),
		Words:   words,
		Steps:   4,
		Stop:    caption.StopEndToken,
		Image:   imageprep.Info{Width: 4, Height: 3, Format: "png", Bytes: len(data)},
	}, nil
}

func writeImages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		body := []byte("img")
		if strings.HasPrefix(name, "empty") {
			body = nil
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		paths = append(paths, path)
	}
	return paths
}

func TestRunCaptionsSingle(t *testing.T) {
	paths := writeImages(t, "dog.png")
	var out bytes.Buffer
	if err := runCaptions(context.Background(), fakeCaptioner{}, paths, captionOptions{}, &out, logger.Discard()); err != nil {
		t.Fatalf("runCaptions returned error: %v", err)
	}
	if out.String() != "a dog runs\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunCaptionsPrefixesMultiple(t *testing.T) {
	paths := writeImages(t, "one.png", "two.png")
	var out bytes.Buffer
	if err := runCaptions(context.Background(), fakeCaptioner{}, paths, captionOptions{}, &out, logger.Discard()); err != nil {
		t.Fatalf("runCaptions returned error: %v", err)
	}
	want := paths[0] + ": a dog runs\n" + paths[1] + ": a dog runs\n"
	if out.String() != want {
		t.Fatalf("unexpected output: got %q want %q", out.String(), want)
	}
}

func TestRunCaptionsStream(t *testing.T) {
	paths := writeImages(t, "dog.png")
	var out bytes.Buffer
	if err := runCaptions(context.Background(), fakeCaptioner{}, paths, captionOptions{stream: true}, &out, logger.Discard()); err != nil {
		t.Fatalf("runCaptions returned error: %v", err)
	}
	if out.String() != "a dog runs\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunCaptionsJSONContinuesAfterFailure(t *testing.T) {
	paths := writeImages(t, "empty.png", "dog.png")
	var out bytes.Buffer
	err := runCaptions(context.Background(), fakeCaptioner{}, paths, captionOptions{json: true}, &out, logger.Discard())
	if !errors.Is(err, caption.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d: %q", len(lines), out.String())
	}
	var failed, ok captionLine
	if err := json.Unmarshal([]byte(lines[0]), &failed); err != nil {
		t.Fatalf("decode line 0: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &ok); err != nil {
		t.Fatalf("decode line 1: %v", err)
	}
	if failed.Error == "" || failed.Image != paths[0] {
		t.Fatalf("unexpected failure line: %+v", failed)
	}
	if ok.Caption != "a dog runs" || ok.Info == nil || ok.Info.Format != "png" {
		t.Fatalf("unexpected success line: %+v", ok)
	}
}

func TestRunCaptionsMissingFile(t *testing.T) {
	var out bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing.png")
	err := runCaptions(context.Background(), fakeCaptioner{}, []string{missing}, captionOptions{}, &out, logger.Discard())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestCaptionOptionsSelector(t *testing.T) {
	if sel := (captionOptions{}).selector(); sel != nil {
		t.Fatalf("expected greedy (nil) selector, got %T", sel)
	}
	sel := captionOptions{temperature: 0.7, topK: 5, topP: 0.9, seed: 3}.selector()
	if _, ok := sel.(*logits.Sampler); !ok {
		t.Fatalf("expected *logits.Sampler, got %T", sel)
	}
}
