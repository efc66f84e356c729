package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/taskqueue"
	"github.com/MrWong99/voxscribe/pkg/recognizer/mock"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// subscriber records everything delivered to it.
type subscriber struct {
	mu       sync.Mutex
	events   []types.TranscriptEvent
	failures []types.Failure
}

func (s *subscriber) Transcript(_ int64, ev types.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *subscriber) Failure(f types.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

func (s *subscriber) snapshot() ([]types.TranscriptEvent, []types.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TranscriptEvent(nil), s.events...), append([]types.Failure(nil), s.failures...)
}

func newInstance(t *testing.T, eng *mock.Engine, opts ...Option) (*Instance, *subscriber) {
	t.Helper()
	inst := New(1, eng, opts...)
	sub := &subscriber{}
	inst.Events().Attach(sub)
	t.Cleanup(func() {
		_ = inst.CloseResources(true)
		waitDone(t, inst)
	})
	return inst, sub
}

func mustSync(t *testing.T, inst *Instance) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func waitDone(t *testing.T, inst *Instance) {
	t.Helper()
	done := inst.Done()
	if done == nil {
		t.Fatal("worker still allocated")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit")
	}
}

// writeAudio writes header zero bytes followed by n bytes of fake PCM.
func writeAudio(t *testing.T, header, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	data := append(make([]byte, header), bytes.Repeat([]byte{1}, n)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestInstance_FeedsRunInSubmissionOrder(t *testing.T) {
	eng := &mock.Engine{}
	inst, sub := newInstance(t, eng)
	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.CreateRecognizer(16000))
	const n = 50
	for range n {
		mustOK(t, inst.FeedBuffer([]byte{1, 2}, true))
	}
	mustSync(t, inst)

	events, failures := sub.snapshot()
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for k, ev := range events {
		want := fmt.Sprintf("w%d ", k+1)
		if ev.Kind != types.ResultFull || ev.Source != types.SourceBuffer || ev.Progress != nil {
			t.Fatalf("event %d = %+v", k, ev)
		}
		if len(ev.Text) < len(want) || ev.Text[:len(want)] != want {
			t.Fatalf("event %d text = %q, want prefix %q", k, ev.Text, want)
		}
	}
}

func TestInstance_RoundTripTranscript(t *testing.T) {
	eng := &mock.Engine{}
	inst, sub := newInstance(t, eng, WithFileLayout(44, 100))
	dest := filepath.Join(t.TempDir(), "out", "transcript.txt")
	audio := writeAudio(t, 44, 200)

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(dest, 16000))
	mustOK(t, inst.FeedFile(audio, true))
	mustOK(t, inst.FinishTranscript(true))
	mustSync(t, inst)

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	want := "w1 0 0.4 1\n\nw2 0.5 0.9 1"
	if string(got) != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}

	events, failures := sub.snapshot()
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].TimestampSeconds != 0 || *events[0].Progress != 0.5 || events[0].Source != types.SourceFile {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].TimestampSeconds != 0.5 || *events[1].Progress != 1 {
		t.Errorf("second event = %+v", events[1])
	}
	final := events[2]
	if final.Kind != types.ResultFinal || final.Source != types.SourceNone || *final.Progress != 1 {
		t.Errorf("final event = %+v", final)
	}
	if final.TimestampSeconds != types.UnknownTimestamp {
		t.Errorf("final timestamp = %v, want unknown", final.TimestampSeconds)
	}

	rec := eng.Models[0].Recognizers()[0]
	if rec.CloseCalls() != 1 {
		t.Errorf("recognizer closed %d times, want 1", rec.CloseCalls())
	}
	if st := inst.State(); st != StateRecognizerClosed {
		t.Errorf("state = %v, want %v", st, StateRecognizerClosed)
	}
}

func TestInstance_FinishWritesPendingWords(t *testing.T) {
	eng := &mock.Engine{EndpointEvery: 100}
	inst, sub := newInstance(t, eng)
	dest := filepath.Join(t.TempDir(), "t.txt")

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(dest, 16000))
	mustOK(t, inst.FeedBuffer([]byte{1}, false))
	mustOK(t, inst.FeedBuffer([]byte{1}, false))
	mustOK(t, inst.FinishTranscript(true))
	mustSync(t, inst)

	got, _ := os.ReadFile(dest)
	if want := "w1 0 0.4 1\nw2 0.5 0.9 1"; string(got) != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
	events, _ := sub.snapshot()
	if len(events) != 1 || events[0].Kind != types.ResultFinal || events[0].TimestampSeconds != 0 {
		t.Errorf("events = %+v, want one final event at 0s", events)
	}
}

func TestInstance_ProgressIsMonotonic(t *testing.T) {
	eng := &mock.Engine{EndpointEvery: 3}
	inst, sub := newInstance(t, eng, WithFileLayout(44, 64))
	audio := writeAudio(t, 44, 1000)

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(filepath.Join(t.TempDir(), "t.txt"), 16000))
	mustOK(t, inst.FeedFile(audio, true))
	mustSync(t, inst)

	events, _ := sub.snapshot()
	if len(events) != 16 {
		t.Fatalf("got %d events, want one per chunk (16)", len(events))
	}
	last := 0.0
	for k, ev := range events {
		if ev.Progress == nil {
			t.Fatalf("event %d has no progress", k)
		}
		if *ev.Progress < last {
			t.Fatalf("progress went back from %v to %v at event %d", last, *ev.Progress, k)
		}
		last = *ev.Progress
	}
	if last < 0.999999 || last > 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestInstance_PartialsNeverWritten(t *testing.T) {
	eng := &mock.Engine{EndpointEvery: 1000}
	inst, sub := newInstance(t, eng)
	dest := filepath.Join(t.TempDir(), "t.txt")

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(dest, 16000))
	for range 10 {
		mustOK(t, inst.FeedBuffer([]byte{1}, true))
	}
	mustOK(t, inst.TerminateTranscript())
	mustSync(t, inst)

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("transcript = %q, want empty", got)
	}
	events, _ := sub.snapshot()
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10 partials", len(events))
	}
	for _, ev := range events {
		if ev.Kind != types.ResultPartial || ev.TimestampSeconds != types.UnknownTimestamp {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if want := "w1 w2 w3"; events[2].Text != want {
		t.Errorf("third partial = %q, want %q", events[2].Text, want)
	}
}

func TestInstance_CloseResourcesIsIdempotent(t *testing.T) {
	eng := &mock.Engine{}
	inst, _ := newInstance(t, eng)
	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(filepath.Join(t.TempDir(), "t.txt"), 16000))
	mustOK(t, inst.FeedBuffer([]byte{1}, false))

	mustOK(t, inst.CloseResources(false))
	mustOK(t, inst.CloseResources(false))
	waitDone(t, inst)

	m := eng.Models[0]
	if m.CloseCalls() != 1 {
		t.Errorf("model closed %d times, want 1", m.CloseCalls())
	}
	if r := m.Recognizers()[0]; r.CloseCalls() != 1 {
		t.Errorf("recognizer closed %d times, want 1", r.CloseCalls())
	}
	st := inst.Status()
	if st.Worker || st.Model != HandleAbsent || st.Recognizer != HandleAbsent {
		t.Errorf("status after close = %+v", st)
	}
	if st.Generation != 1 {
		t.Errorf("generation = %d, want 1 (second close must not allocate)", st.Generation)
	}
}

func TestInstance_ForcedDrainDiscardsTranscript(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	eng := &mock.Engine{OnAccept: func(call int) {
		if call == 2 {
			close(entered)
			<-release
		}
	}}
	inst, sub := newInstance(t, eng, WithFileLayout(44, 100))
	dest := filepath.Join(t.TempDir(), "t.txt")
	audio := writeAudio(t, 44, 100_000)

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(dest, 16000))
	mustOK(t, inst.FeedFile(audio, false))
	mustOK(t, inst.FinishTranscript(true))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("feed never reached the second chunk")
	}
	inst.mu.Lock()
	old := inst.queue
	inst.mu.Unlock()

	mustOK(t, inst.CloseResources(true))
	close(release)
	waitDone(t, inst)

	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("transcript still exists after forced drain: %v", err)
	}
	if err := old.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, taskqueue.ErrClosed) {
		t.Errorf("Submit on drained worker = %v, want ErrClosed", err)
	}
	if got := eng.Accepts(); got != 2 {
		t.Errorf("accepted %d chunks, want 2", got)
	}

	m := eng.Models[0]
	if m.CloseCalls() != 1 {
		t.Errorf("model closed %d times, want 1", m.CloseCalls())
	}
	if r := m.Recognizers()[0]; r.CloseCalls() != 1 {
		t.Errorf("recognizer closed %d times, want 1", r.CloseCalls())
	}
	if st := inst.State(); st != StateForceTerminated {
		t.Errorf("state = %v, want %v", st, StateForceTerminated)
	}

	events, failures := sub.snapshot()
	if len(events) != 0 {
		t.Errorf("discarded finish published %+v", events)
	}
	cancelled := 0
	for _, f := range failures {
		if f.Kind != types.KindCancelled {
			t.Errorf("unexpected failure %+v", f)
		}
		cancelled++
	}
	if cancelled != 2 {
		t.Errorf("got %d cancelled failures (feed and finish), want 2", cancelled)
	}
}

func TestInstance_RepeatedForceClose(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	eng := &mock.Engine{OnAccept: func(call int) {
		if call == 1 {
			close(entered)
			<-release
		}
	}}
	inst, _ := newInstance(t, eng, WithFileLayout(44, 100))
	audio := writeAudio(t, 44, 10_000)

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.StartTranscript(filepath.Join(t.TempDir(), "t.txt"), 16000))
	mustOK(t, inst.FeedFile(audio, false))
	<-entered

	mustOK(t, inst.CloseResources(true))
	mustOK(t, inst.CloseResources(true))
	close(release)
	waitDone(t, inst)

	m := eng.Models[0]
	if m.CloseCalls() != 1 {
		t.Errorf("model closed %d times, want 1", m.CloseCalls())
	}
	if r := m.Recognizers()[0]; r.CloseCalls() != 1 {
		t.Errorf("recognizer closed %d times, want 1", r.CloseCalls())
	}
}

func TestInstance_SubscriberReplacement(t *testing.T) {
	eng := &mock.Engine{}
	inst, a := newInstance(t, eng)
	b := &subscriber{}
	inst.Events().Attach(b)

	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.CreateRecognizer(16000))
	mustOK(t, inst.FeedBuffer([]byte{1}, true))
	mustSync(t, inst)

	if evs, _ := a.snapshot(); len(evs) != 0 {
		t.Errorf("replaced subscriber received %d events", len(evs))
	}
	if evs, _ := b.snapshot(); len(evs) != 1 {
		t.Errorf("current subscriber received %d events, want 1", len(evs))
	}
}

func TestInstance_PoisonedModelFailsFast(t *testing.T) {
	eng := &mock.Engine{LoadErr: errors.New("bad model")}
	inst, sub := newInstance(t, eng)

	mustOK(t, inst.OpenModel("/missing/model"))
	mustOK(t, inst.StartTranscript(filepath.Join(t.TempDir(), "t.txt"), 16000))
	mustOK(t, inst.FeedBuffer([]byte{1}, true))
	mustOK(t, inst.FinishTranscript(true))
	mustSync(t, inst)

	_, failures := sub.snapshot()
	wantOps := []string{"open_model", "create_recognizer", "feed_buffer", "finish_transcript"}
	if len(failures) != len(wantOps) {
		t.Fatalf("failures = %+v, want %v", failures, wantOps)
	}
	for k, f := range failures {
		if f.Operation != wantOps[k] || f.Kind != types.KindResource || f.InstanceID != 1 {
			t.Errorf("failure %d = %+v, want %s/resource", k, f, wantOps[k])
		}
	}
	if eng.Accepts() != 0 {
		t.Errorf("engine was fed %d times after a failed load", eng.Accepts())
	}
	if st := inst.Status(); st.Model != HandleFailed {
		t.Errorf("model handle = %s, want failed", st.Model)
	}
}

func TestInstance_MissingAudioFile(t *testing.T) {
	inst, sub := newInstance(t, &mock.Engine{})
	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.CreateRecognizer(16000))
	mustOK(t, inst.FeedFile(filepath.Join(t.TempDir(), "nope.wav"), true))
	mustSync(t, inst)

	_, failures := sub.snapshot()
	if len(failures) != 1 || failures[0].Kind != types.KindFileSystem {
		t.Errorf("failures = %+v, want one file_system failure", failures)
	}
}

func TestInstance_MalformedResult(t *testing.T) {
	inst, sub := newInstance(t, &mock.Engine{RawResult: `[1,2]`})
	mustOK(t, inst.OpenModel("model"))
	mustOK(t, inst.CreateRecognizer(16000))
	mustOK(t, inst.FeedBuffer([]byte{1}, true))
	mustOK(t, inst.FeedBuffer([]byte{1}, true))
	mustSync(t, inst)

	_, failures := sub.snapshot()
	if len(failures) != 2 {
		t.Fatalf("failures = %+v, want 2", failures)
	}
	for _, f := range failures {
		if f.Kind != types.KindMalformedResult {
			t.Errorf("failure kind = %s, want malformed_result", f.Kind)
		}
	}
}

func TestInstance_SynchronousErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	inst, _ := newInstance(t, &mock.Engine{})
	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"close model without model", inst.CloseModel, ErrResource},
		{"recognizer without model", func() error { return inst.CreateRecognizer(16000) }, ErrResource},
		{"feed without recognizer", func() error { return inst.FeedBuffer([]byte{1}, true) }, ErrResource},
		{"finish without recognizer", func() error { return inst.FinishTranscript(true) }, ErrResource},
		{"transcript under a file", func() error {
			if err := inst.OpenModel("model"); err != nil {
				return err
			}
			return inst.StartTranscript(filepath.Join(blocker, "t.txt"), 16000)
		}, ErrFileSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInstance_Disconnect(t *testing.T) {
	inst, sub := newInstance(t, &mock.Engine{})
	inst.Disconnect()
	inst.Disconnect()

	if err := inst.OpenModel("model"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("OpenModel after Disconnect = %v", err)
	}
	if err := inst.CloseResources(false); !errors.Is(err, ErrDisconnected) {
		t.Errorf("CloseResources after Disconnect = %v", err)
	}
	if inst.Events().Subscribed() || inst.Events().Attach(sub) {
		t.Error("events channel still accepts subscribers")
	}
	if st := inst.State(); st != StateDisconnected {
		t.Errorf("state = %v", st)
	}
}

func TestInstance_RestartAfterClose(t *testing.T) {
	eng := &mock.Engine{}
	inst, sub := newInstance(t, eng)
	mustOK(t, inst.OpenModel("a"))
	mustOK(t, inst.CloseResources(false))
	mustOK(t, inst.OpenModel("b"))
	mustOK(t, inst.CreateRecognizer(8000))
	mustOK(t, inst.FeedBuffer([]byte{1}, true))
	mustSync(t, inst)

	if len(eng.Loads) != 2 || eng.Loads[1] != "b" {
		t.Errorf("loads = %v", eng.Loads)
	}
	if !eng.Models[0].Closed() || eng.Models[1].Closed() {
		t.Error("first model should be closed and second open")
	}
	if st := inst.Status(); st.Generation != 2 || st.ModelPath != "b" {
		t.Errorf("status = %+v", st)
	}
	if evs, _ := sub.snapshot(); len(evs) != 1 {
		t.Errorf("got %d events on the second generation", len(evs))
	}
}

func TestInstance_OpenModelReplacesModel(t *testing.T) {
	eng := &mock.Engine{}
	inst, _ := newInstance(t, eng)
	mustOK(t, inst.OpenModel("a"))
	mustOK(t, inst.CreateRecognizer(16000))
	mustOK(t, inst.OpenModel("b"))
	mustSync(t, inst)

	first := eng.Models[0]
	if !first.Closed() {
		t.Error("replaced model still open")
	}
	if r := first.Recognizers()[0]; r.CloseCalls() != 1 {
		t.Errorf("dependent recognizer closed %d times, want 1", r.CloseCalls())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorKind
	}{
		{fmt.Errorf("%w: x", ErrResource), types.KindResource},
		{fmt.Errorf("%w: x", ErrFileSystem), types.KindFileSystem},
		{fmt.Errorf("%w: x", ErrMalformedResult), types.KindMalformedResult},
		{fmt.Errorf("%w: x", ErrCancelled), types.KindCancelled},
		{context.Canceled, types.KindCancelled},
		{fmt.Errorf("%w: boom", taskqueue.ErrPanic), types.KindResource},
		{errors.New("other"), types.KindResource},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestFileProgress(t *testing.T) {
	tests := []struct {
		consumed, total int64
		want            float64
	}{
		{0, 100, 0},
		{50, 100, 0.5},
		{100, 100, 1},
		{120, 100, 1},
		{10, 0, 1},
	}
	for _, tt := range tests {
		if got := fileProgress(tt.consumed, tt.total); got != tt.want {
			t.Errorf("fileProgress(%d, %d) = %v, want %v", tt.consumed, tt.total, got, tt.want)
		}
	}
}
