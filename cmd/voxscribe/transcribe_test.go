package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/recognizer/mock"
	"github.com/MrWong99/voxscribe/pkg/types"
)

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

// writeWAV writes a WAV file holding chunks default-sized chunks of PCM.
func writeWAV(t *testing.T, chunks int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	pcm := bytes.Repeat([]byte{0x10, 0x00}, chunks*config.DefaultFileChunkBytes/2)
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, 16000), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{}
	outPath := filepath.Join(t.TempDir(), "out.txt")
	var stdout bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := transcribe(ctx, eng, defaultConfig(), transcribeOptions{
		model:      "model.bin",
		input:      writeWAV(t, 2),
		output:     outPath,
		sampleRate: 16000,
	}, &stdout)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	var evs []types.TranscriptEvent
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		var ev types.TranscriptEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		evs = append(evs, ev)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 2 full + 1 final: %+v", len(evs), evs)
	}
	if evs[0].Kind != types.ResultFull || evs[0].Source != types.SourceFile || evs[0].Progress == nil {
		t.Errorf("first event = %+v", evs[0])
	}
	if evs[2].Kind != types.ResultFinal {
		t.Errorf("last event = %+v", evs[2])
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(got), "w1 0 0.4 1") || !strings.Contains(string(got), "w2") {
		t.Errorf("transcript = %q", got)
	}
	if len(eng.Models) != 1 || !eng.Models[0].Closed() {
		t.Error("model was not closed")
	}
}

func TestTranscribe_Quiet(t *testing.T) {
	t.Parallel()

	outPath := filepath.Join(t.TempDir(), "out.txt")
	err := transcribe(context.Background(), &mock.Engine{}, defaultConfig(), transcribeOptions{
		model:      "model.bin",
		input:      writeWAV(t, 1),
		output:     outPath,
		sampleRate: 16000,
	}, io.Discard)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got, _ := os.ReadFile(outPath); string(got) != "w1 0 0.4 1" {
		t.Errorf("transcript = %q", got)
	}
}

func TestTranscribe_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		eng     *mock.Engine
		input   func(t *testing.T) string
		model   string
		wantErr string
	}{
		{
			name:    "no model",
			eng:     &mock.Engine{},
			input:   func(t *testing.T) string { return writeWAV(t, 1) },
			wantErr: "no model given",
		},
		{
			name:    "model fails to load",
			eng:     &mock.Engine{LoadErr: errors.New("no such model")},
			input:   func(t *testing.T) string { return writeWAV(t, 1) },
			model:   "missing.bin",
			wantErr: "no such model",
		},
		{
			name:    "missing input",
			eng:     &mock.Engine{},
			input:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.wav") },
			model:   "model.bin",
			wantErr: string(types.KindFileSystem),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := transcribe(ctx, tt.eng, defaultConfig(), transcribeOptions{
				model:      tt.model,
				input:      tt.input(t),
				output:     filepath.Join(t.TempDir(), "out.txt"),
				sampleRate: 16000,
			}, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestRootCmd_TranscribeRequiresFlags(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"transcribe", "--model", "m.bin"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "required flag") {
		t.Errorf("Execute = %v, want required flag error", err)
	}
}

func TestRootCmd_MissingExplicitConfig(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Execute = %v, want os.ErrNotExist", err)
	}
}

func TestApplyReload(t *testing.T) {
	old := defaultConfig()
	next := defaultConfig()
	next.Server.LogLevel = config.LogDebug

	_, level := newLogger(io.Discard, old.Server.LogLevel)
	applyReload(level, old, next)
	if got := level.Level(); got != config.LogDebug.Level() {
		t.Errorf("level = %v, want debug", got)
	}
}
