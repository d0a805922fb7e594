package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipkit/clipkit/internal/engine"
	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
)

// fakeStore is an in-memory JobStore capturing transitions.
type fakeStore struct {
	mu sync.Mutex

	queue    []*store.Job
	previous map[int64]*store.OutputFile

	completed []int64
	errored   map[int64]string
	progress  map[int64][]int
	outputs   map[int64]store.OutputFile
	files     []store.File

	finishErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		previous: map[int64]*store.OutputFile{},
		errored:  map[int64]string{},
		progress: map[int64][]int{},
		outputs:  map[int64]store.OutputFile{},
	}
}

func (f *fakeStore) Dequeue(_ context.Context, _ int) (*store.Job, *store.OutputFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = store.StatusProcessing
	return job, f.previous[job.ID], nil
}

func (f *fakeStore) UpdateProgress(_ context.Context, id int64, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id] = append(f.progress[id], progress)
	return nil
}

func (f *fakeStore) CompleteJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) ErrorJob(_ context.Context, id int64, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored[id] = errText
	return nil
}

func (f *fakeStore) FinishOutput(ctx context.Context, jobID int64, output store.OutputFile, file store.File, upload func(ctx context.Context) error) error {
	f.mu.Lock()
	finishErr := f.finishErr
	f.mu.Unlock()
	if finishErr != nil {
		return finishErr
	}
	if upload != nil {
		if err := upload(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[jobID] = output
	f.files = append(f.files, file)
	return nil
}

func (f *fakeStore) completedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.completed...)
}

func (f *fakeStore) erroredText(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.errored[id]
	return text, ok
}

// fakeProcessor returns canned results or errors, optionally blocking until
// cancelled.
type fakeProcessor struct {
	mu       sync.Mutex
	result   *Result
	err      error
	block    bool
	started  chan struct{}
	inputs   []string
	progress engine.ProgressFunc
}

func (p *fakeProcessor) Process(ctx context.Context, _ *store.Job, input string, progress engine.ProgressFunc) (*Result, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, input)
	p.progress = progress
	p.mu.Unlock()
	if p.started != nil {
		close(p.started)
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

// fakeDownloader records download calls.
type fakeDownloader struct {
	mu       sync.Mutex
	calls    int
	filename string
	url      string
	err      error
}

func (d *fakeDownloader) Download(_ context.Context, _ string, _ pipeline.DownloadOptions) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return "", "", d.err
	}
	return d.filename, d.url, nil
}

func exportResult(data string) *Result {
	return &Result{
		Bytes: []byte(data),
		Mode:  pipeline.ModeExport,
		Output: store.OutputFile{
			VideoFormat:  "matroska",
			AudioFormat:  "libmp3lame",
			AudioBitrate: "192k",
		},
		Extension: "mp4",
	}
}

func testWorker(st *fakeStore, proc Processor, dl Downloader) (*Worker, *storage.MemoryStore) {
	objects := storage.NewMemoryStore()
	w := NewWorker(WorkerConfig{
		ID:           "worker-test",
		Store:        st,
		Objects:      objects,
		Bucket:       "primary",
		Downloader:   dl,
		Processor:    proc,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
	})
	return w, objects
}

func trimJob(id int64) *store.Job {
	return &store.Job{
		ID:     id,
		UID:    "uid-1",
		Input:  "https://cdn.example.com/demo.mp4",
		Action: []store.Operation{{Op: "trim", Data: []byte(`{"start_sec":0,"end_sec":5}`)}},
		Status: store.StatusQueued,
	}
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	st := newFakeStore()
	st.queue = []*store.Job{trimJob(1)}
	proc := &fakeProcessor{result: exportResult("fake_video_bytes")}
	w, objects := testWorker(st, proc, &fakeDownloader{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{1}, st.completedIDs())

	st.mu.Lock()
	output := st.outputs[1]
	files := append([]store.File{}, st.files...)
	st.mu.Unlock()

	assert.Equal(t, "demo_output_uid-1_0.mp4", output.Filename)
	require.Len(t, files, 1)
	assert.Equal(t, output.Filename, files[0].Name)
	assert.Equal(t, "primary", files[0].Bucketname)

	body, ok := objects.Object("primary", output.Filename)
	require.True(t, ok)
	assert.Equal(t, "fake_video_bytes", string(body))
}

func TestWorkerRecordsErrorAndKeepsRunning(t *testing.T) {
	st := newFakeStore()
	st.queue = []*store.Job{trimJob(7), trimJob(8)}
	proc := &fakeProcessor{err: errors.New("engine exited with code 1: boom")}
	w, _ := testWorker(st, proc, &fakeDownloader{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.Start(ctx) }()

	// The second job is picked up after the first one failed.
	require.Eventually(t, func() bool {
		_, ok := st.erroredText(8)
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	text, _ := st.erroredText(7)
	assert.Contains(t, text, "boom")
	assert.Empty(t, st.completedIDs())
}

func TestWorkerResolvesInputFromPreviousOutput(t *testing.T) {
	st := newFakeStore()
	job := trimJob(3)
	job.Input = ""
	job.OutputVersion = 1
	st.queue = []*store.Job{job}
	st.previous[3] = &store.OutputFile{Filename: "step0.mp4"}

	proc := &fakeProcessor{result: exportResult("bytes")}
	w, _ := testWorker(st, proc, &fakeDownloader{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	proc.mu.Lock()
	inputs := append([]string{}, proc.inputs...)
	proc.mu.Unlock()
	require.Len(t, inputs, 1)
	// The memory store presigns as memory://bucket/key.
	assert.Equal(t, "memory://primary/step0.mp4", inputs[0])
}

func TestWorkerRunsDownloadPreOp(t *testing.T) {
	st := newFakeStore()
	job := &store.Job{
		ID:    4,
		UID:   "uid-dl",
		Input: "https://www.youtube.com/watch?v=abc123",
		Action: []store.Operation{
			{Op: "external_download", Data: []byte(`{"quality":"720p"}`)},
			{Op: "trim", Data: []byte(`{"start_sec":0,"end_sec":5}`)},
		},
		Status: store.StatusQueued,
	}
	st.queue = []*store.Job{job}

	dl := &fakeDownloader{filename: "abc123.mp4", url: "https://bucket/abc123.mp4?sig=x"}
	proc := &fakeProcessor{result: exportResult("bytes")}
	w, _ := testWorker(st, proc, dl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	dl.mu.Lock()
	calls := dl.calls
	dl.mu.Unlock()
	assert.Equal(t, 1, calls)

	// The processor received the presigned bucket URL, not the external URL.
	proc.mu.Lock()
	inputs := append([]string{}, proc.inputs...)
	proc.mu.Unlock()
	require.Len(t, inputs, 1)
	assert.Equal(t, "https://bucket/abc123.mp4?sig=x", inputs[0])
}

func TestWorkerDownloadOnlyJobCompletesWithoutProcessor(t *testing.T) {
	st := newFakeStore()
	job := &store.Job{
		ID:     5,
		UID:    "uid-dl",
		Input:  "https://www.youtube.com/watch?v=abc123",
		Action: []store.Operation{{Op: "external_download", Data: []byte(`{}`)}},
		Status: store.StatusQueued,
	}
	st.queue = []*store.Job{job}

	dl := &fakeDownloader{filename: "abc123.mp4", url: "https://bucket/abc123.mp4"}
	proc := &fakeProcessor{err: errors.New("processor must not run")}
	w, _ := testWorker(st, proc, dl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	st.mu.Lock()
	output := st.outputs[5]
	st.mu.Unlock()
	assert.Equal(t, "abc123.mp4", output.Filename)
}

func TestWorkerCancellationDiscardsPartialOutput(t *testing.T) {
	st := newFakeStore()
	st.queue = []*store.Job{trimJob(9)}
	proc := &fakeProcessor{block: true, started: make(chan struct{})}
	w, objects := testWorker(st, proc, &fakeDownloader{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.Start(ctx) }()

	<-proc.started
	assert.Equal(t, int64(9), w.CurrentJobID())

	// Per-job cancellation, as the pool would dispatch it.
	require.True(t, w.CancelIfCurrent(9))

	require.Eventually(t, func() bool {
		return w.CurrentJobID() == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// No upload, no completion, no error row: the cancel path owns the row.
	_, uploaded := objects.Object("primary", "demo_output_uid-1_0.mp4")
	assert.False(t, uploaded)
	assert.Empty(t, st.completedIDs())
	_, errored := st.erroredText(9)
	assert.False(t, errored)
}

func TestWorkerCancelIfCurrentIgnoresOtherJobs(t *testing.T) {
	st := newFakeStore()
	w, _ := testWorker(st, &fakeProcessor{}, &fakeDownloader{})
	assert.False(t, w.CancelIfCurrent(42))
}

func TestPoolCancelDispatchesToOwningWorker(t *testing.T) {
	st := newFakeStore()
	st.queue = []*store.Job{trimJob(11)}
	proc := &fakeProcessor{block: true, started: make(chan struct{})}
	w, _ := testWorker(st, proc, &fakeDownloader{})

	idle, _ := testWorker(newFakeStore(), &fakeProcessor{}, &fakeDownloader{})
	pool := NewPool([]*Worker{idle, w}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	<-proc.started
	assert.True(t, pool.Cancel(11))
	// Unknown job ids are a no-op.
	assert.False(t, pool.Cancel(999))

	pool.Stop()
}

func TestPoolStopTerminatesWorkers(t *testing.T) {
	st := newFakeStore()
	w, _ := testWorker(st, &fakeProcessor{}, &fakeDownloader{})
	pool := NewPool([]*Worker{w}, nil)

	pool.Start(context.Background())
	pool.Stop()
	// A second stop is a no-op.
	pool.Stop()
}

func TestErrorTextUsesEngineStderr(t *testing.T) {
	err := &engine.EngineError{ExitCode: 1, Stderr: "line 51\nline 52\nline 150"}
	assert.Equal(t, "line 51\nline 52\nline 150", errorText(err))
}

func TestErrorTextBounded(t *testing.T) {
	long := make([]byte, 20000)
	for i := range long {
		long[i] = 'x'
	}
	text := errorText(errors.New(string(long)))
	assert.Len(t, text, 8192)
}
