package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/jobs"
	"github.com/tendant/simple-cartoonizer/internal/logging"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/process"
	"github.com/tendant/simple-cartoonizer/internal/store"
)

type fakeRunner struct {
	store     *store.MemoryStore
	submitted []pipeline.Request
	busy      bool
	finish    func(j *process.Job)
	canceled  []string
}

func (f *fakeRunner) Submit(ctx context.Context, req pipeline.Request) (*process.Job, error) {
	if f.busy {
		return nil, jobs.ErrBusy
	}
	f.submitted = append(f.submitted, req)
	job := process.NewJob(process.KindVideo, req.JobID, req.Input)
	if err := f.store.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (f *fakeRunner) Wait(ctx context.Context, id string) (*process.Job, error) {
	job, err := f.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.finish != nil {
		f.finish(job)
		_ = f.store.Update(ctx, job)
	}
	return job, nil
}

func (f *fakeRunner) Cancel(id string) bool {
	f.canceled = append(f.canceled, id)
	return id != "00000000-0000-0000-0000-000000000000"
}

type echoEngine struct{}

func (echoEngine) Infer(_ context.Context, frame image.Image) (image.Image, error) { return frame, nil }

func (echoEngine) ProcessVideo(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

type fixture struct {
	srv       *httptest.Server
	runner    *fakeRunner
	namer     *artifact.Namer
	store     *store.MemoryStore
	published *fakePublished
}

type fakePublished struct {
	mu        sync.Mutex
	withdrawn []string
}

func (p *fakePublished) Withdraw(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawn = append(p.withdrawn, name)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	namer := artifact.NewNamer(filepath.Join(dir, "up"), filepath.Join(dir, "out"))
	if err := namer.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	st := store.NewMemoryStore()
	runner := &fakeRunner{store: st}
	published := &fakePublished{}
	s := New(Options{
		Published: published,
		Runner:    runner,
		Store:     st,
		Engine:    echoEngine{},
		Namer:     namer,
		Logger:    logging.Discard(),
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "metrics") }),
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, runner: runner, namer: namer, store: st, published: published}
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	m := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range m.Pix {
		m.Pix[i] = 200
	}
	m.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestCartoonizeImage(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, "image", "photo.png", pngBytes(t))

	resp, err := http.Post(f.srv.URL+"/cartoonize/image", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		ID        string `json:"id"`
		OutputURL string `json:"output_url"`
	}
	decode(t, resp, &out)
	if out.OutputURL != "/outputs/"+out.ID+".jpg" {
		t.Fatalf("unexpected output url %q", out.OutputURL)
	}

	dl, err := http.Get(f.srv.URL + out.OutputURL)
	if err != nil {
		t.Fatalf("GET output: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK || !strings.HasPrefix(dl.Header.Get("Content-Disposition"), "attachment") {
		t.Fatalf("download failed: %d %q", dl.StatusCode, dl.Header.Get("Content-Disposition"))
	}
}

func TestMissingUploads(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		path, field, filename, want string
		data                        []byte
	}{
		{"/cartoonize/image", "", "", "No image file selected", nil},
		{"/cartoonize/image", "image", "", "No image file selected", []byte("x")},
		{"/cartoonize/video", "", "", "No video file selected", nil},
		{"/cartoonize/video", "video", "empty.mp4", "No video file selected", nil},
	}
	for _, tt := range tests {
		body, ct := multipartBody(t, tt.field, tt.filename, tt.data)
		resp, err := http.Post(f.srv.URL+tt.path, ct, body)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		var out errorResponse
		decode(t, resp, &out)
		if resp.StatusCode != http.StatusBadRequest || out.Error != tt.want {
			t.Fatalf("%s field=%q: got %d %q", tt.path, tt.field, resp.StatusCode, out.Error)
		}
	}
	if len(f.runner.submitted) != 0 {
		t.Fatal("no job should be submitted for an empty upload")
	}
}

func TestCartoonizeVideoAsync(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, "video", "clip.mp4", []byte("video bytes"))

	resp, err := http.Post(f.srv.URL+"/cartoonize/video", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var job jobResponse
	decode(t, resp, &job)
	if resp.Header.Get("Location") != "/jobs/"+job.ID {
		t.Fatalf("unexpected Location %q", resp.Header.Get("Location"))
	}

	req := f.runner.submitted[0]
	if !req.RemoveUpload || req.Input != f.namer.Path(job.ID, artifact.RoleRawUpload) {
		t.Fatalf("unexpected request %+v", req)
	}
	if data, _ := os.ReadFile(req.Input); string(data) != "video bytes" {
		t.Fatalf("upload not stored: %q", data)
	}

	status, err := http.Get(f.srv.URL + "/jobs/" + job.ID)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	var got jobResponse
	decode(t, status, &got)
	if got.ID != job.ID || got.Status != process.JobStatusPending {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestCartoonizeVideoWait(t *testing.T) {
	f := newFixture(t)
	f.runner.finish = func(j *process.Job) {
		process.MarkSucceeded(j, filepath.Join(f.namer.OutputDir, j.ID+"_final.mp4"))
	}
	body, ct := multipartBody(t, "video", "clip.mp4", []byte("video bytes"))

	resp, err := http.Post(f.srv.URL+"/cartoonize/video?wait=true", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var job jobResponse
	decode(t, resp, &job)
	if resp.StatusCode != http.StatusOK || job.Status != process.JobStatusSucceeded {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, job)
	}
	if job.OutputURL != "/outputs/"+job.ID+"_final.mp4" {
		t.Fatalf("unexpected output url %q", job.OutputURL)
	}
}

func TestCartoonizeVideoBusy(t *testing.T) {
	f := newFixture(t)
	f.runner.busy = true
	body, ct := multipartBody(t, "video", "clip.mp4", []byte("video bytes"))

	resp, err := http.Post(f.srv.URL+"/cartoonize/video", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("unexpected response %d", resp.StatusCode)
	}
	entries, _ := os.ReadDir(f.namer.UploadDir)
	if len(entries) != 0 {
		t.Fatalf("rejected upload left on disk: %v", entries)
	}
}

func TestJobLookupErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/jobs/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/jobs/" + artifact.NewJobID(), http.StatusNotFound},
		{http.MethodDelete, "/jobs/00000000-0000-0000-0000-000000000000", http.StatusNotFound},
		{http.MethodDelete, "/jobs/" + artifact.NewJobID(), http.StatusAccepted},
		{http.MethodGet, "/outputs/..", http.StatusBadRequest},
		{http.MethodDelete, "/outputs/..", http.StatusBadRequest},
		{http.MethodGet, "/outputs/missing.jpg", http.StatusNotFound},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, f.srv.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestFailedJobHidesPaths(t *testing.T) {
	f := newFixture(t)
	id := artifact.NewJobID()
	job := process.NewJob(process.KindVideo, id, "/secret/uploads/"+id+".mp4")
	process.MarkFailed(job, "Mux", "Cartoonizing the video failed at the Mux step.")
	if err := f.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp, err := http.Get(f.srv.URL + "/jobs/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "/secret") {
		t.Fatalf("response leaks a local path: %s", raw)
	}
	if !strings.Contains(string(raw), `"failed_stage":"Mux"`) {
		t.Fatalf("failed stage missing: %s", raw)
	}
}

func TestDeleteOutput(t *testing.T) {
	f := newFixture(t)
	name := "abc_final.mp4"
	if err := os.WriteFile(filepath.Join(f.namer.OutputDir, name), []byte("video"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	del := func(name string) int {
		req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/outputs/"+name, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := del(name); got != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", got)
	}
	if _, err := os.Stat(filepath.Join(f.namer.OutputDir, name)); !os.IsNotExist(err) {
		t.Fatal("local output still present")
	}
	if len(f.published.withdrawn) != 1 || f.published.withdrawn[0] != name {
		t.Fatalf("remote copy not withdrawn: %v", f.published.withdrawn)
	}
	if got := del(name); got != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", got)
	}
}
