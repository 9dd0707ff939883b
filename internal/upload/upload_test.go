package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
)

const mib = 1024 * 1024

type fakeSession struct {
	url    string
	chunks []int
	offset int64
	failAt int // 1-indexed chunk that fails; 0 never fails
	// shortAt is a 1-indexed chunk the server acknowledges one byte short.
	shortAt int
	onPut   func()
}

func (s *fakeSession) Write(_ context.Context, chunk []byte) error {
	if s.onPut != nil {
		s.onPut()
	}
	if s.failAt > 0 && len(s.chunks)+1 == s.failAt {
		return &apierr.TransportError{Method: "PATCH", URL: s.url, Err: errors.New("connection reset")}
	}
	s.chunks = append(s.chunks, len(chunk))
	s.offset += int64(len(chunk))
	if len(s.chunks) == s.shortAt {
		s.offset--
	}
	return nil
}

func (s *fakeSession) Offset() int64 { return s.offset }
func (s *fakeSession) URL() string   { return s.url }

type fakeOpener struct {
	mu       sync.Mutex
	session  *fakeSession
	size     int64
	meta     map[string]string
	openErr  error
	newSess  func() *fakeSession
	sessions int
}

func (o *fakeOpener) Open(_ context.Context, size int64, meta map[string]string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions++
	if o.openErr != nil {
		return nil, o.openErr
	}
	o.size, o.meta = size, meta
	if o.newSess != nil {
		return o.newSess(), nil
	}
	return o.session, nil
}

var fixedNow = func() time.Time { return time.Unix(1700000000, 0) }

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, bytes.Repeat([]byte("a"), size), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return p
}

func TestUpload_ChunksTwelveMiBIntoThree(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "report.pdf", 12*mib)
	sess := &fakeSession{url: "https://tusd.example/files/abc123+xyz"}
	opener := &fakeOpener{session: sess}
	u := New(opener, Options{ChunkSize: 5 * mib, BaseID: "base-1", TempDir: t.TempDir(), Now: fixedNow})

	var reports []Progress
	id, err := u.Upload(context.Background(), Source{Path: path}, nil, func(p Progress) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "abc123" {
		t.Errorf("expected id abc123, got %q", id)
	}
	if len(sess.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", sess.chunks)
	}
	if sess.chunks[0] != 5*mib || sess.chunks[1] != 5*mib || sess.chunks[2] != 2*mib {
		t.Errorf("unexpected chunk sizes %v", sess.chunks)
	}
	if sess.offset != 12*mib || opener.size != 12*mib {
		t.Errorf("expected 12 MiB sent and declared, got sent=%d size=%d", sess.offset, opener.size)
	}
	if len(reports) != 3 || reports[2].Percent != 100 || reports[2].Sent != 12*mib {
		t.Errorf("unexpected progress reports %+v", reports)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].Sent <= reports[i-1].Sent {
			t.Errorf("progress not monotonic: %+v", reports)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("caller's file must not be removed: %v", err)
	}
}

func TestUpload_DefaultAndCallerMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "my report (final).pdf", 10)
	opener := &fakeOpener{session: &fakeSession{url: "https://h/files/id1"}}
	u := New(opener, Options{BaseID: "base-1", UserID: "user-9", TempDir: t.TempDir(), Now: fixedNow})

	_, err := u.Upload(context.Background(), Source{Path: path}, map[string]any{
		"isDataFile": false,
		"priority":   3,
		"skip":       nil,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{
		MetaFilename:         "1700000000_my_report_final_.pdf",
		MetaFiletype:         "application/pdf",
		MetaCustomExtraction: "true",
		MetaIsDataFile:       "false",
		MetaBaseID:           "base-1",
		MetaUserID:           "user-9",
		"priority":           "3",
	}
	for k, v := range want {
		if opener.meta[k] != v {
			t.Errorf("meta[%s]: expected %q, got %q", k, v, opener.meta[k])
		}
	}
	if _, ok := opener.meta["skip"]; ok {
		t.Error("nil values should be dropped")
	}
}

func TestUpload_CallerFilenameIsStamped(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", 3)
	opener := &fakeOpener{session: &fakeSession{url: "/files/x"}}
	u := New(opener, Options{TempDir: t.TempDir(), Now: fixedNow})
	if _, err := u.Upload(context.Background(), Source{Path: path}, map[string]any{"filename": "renamed.txt"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := opener.meta[MetaFilename]; got != "1700000000_renamed.txt" {
		t.Errorf("expected stamped caller filename, got %q", got)
	}
	if _, ok := opener.meta[MetaUserID]; ok {
		t.Error("userId should be omitted when unset")
	}
}

func TestUpload_SourceValidation(t *testing.T) {
	opener := &fakeOpener{}
	u := New(opener, Options{TempDir: t.TempDir()})
	for _, src := range []Source{{}, {Path: "x", Reader: strings.NewReader("y")}} {
		_, err := u.Upload(context.Background(), src, nil, nil)
		if !errors.Is(err, apierr.ErrValidation) {
			t.Errorf("%+v: expected validation error, got %v", src, err)
		}
	}
	if _, err := u.Upload(context.Background(), Source{Path: filepath.Join(t.TempDir(), "missing.pdf")}, nil, nil); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("expected validation error for a missing file, got %v", err)
	}
	if opener.sessions != 0 {
		t.Errorf("no session may be opened on invalid input, got %d", opener.sessions)
	}
}

func TestUpload_StreamTempFileRemovedOnSuccess(t *testing.T) {
	tmp := t.TempDir()
	var seen []string
	sess := &fakeSession{url: "https://h/files/s1"}
	sess.onPut = func() { seen = listDir(t, tmp) }
	u := New(&fakeOpener{session: sess}, Options{ChunkSize: 4, TempDir: tmp, Now: fixedNow})

	id, err := u.Upload(context.Background(), Source{Reader: strings.NewReader("hello world"), Name: "notes.txt"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "s1" {
		t.Errorf("expected s1, got %q", id)
	}
	if len(seen) != 1 || !strings.HasSuffix(seen[0], ".txt") {
		t.Errorf("expected one temp file during upload, got %v", seen)
	}
	if left := listDir(t, tmp); len(left) != 0 {
		t.Errorf("temp file not removed: %v", left)
	}
	if len(u.Registry().Paths()) != 0 {
		t.Errorf("registry still tracks %v", u.Registry().Paths())
	}
}

func TestUpload_StreamTempFileRemovedOnFailure(t *testing.T) {
	tmp := t.TempDir()
	sess := &fakeSession{url: "https://h/files/s2", failAt: 2}
	u := New(&fakeOpener{session: sess}, Options{ChunkSize: 4, TempDir: tmp})

	_, err := u.Upload(context.Background(), Source{Reader: strings.NewReader("0123456789")}, nil, nil)
	if !errors.Is(err, apierr.ErrTransport) {
		t.Fatalf("expected the chunk failure to propagate, got %v", err)
	}
	if left := listDir(t, tmp); len(left) != 0 {
		t.Errorf("temp file not removed after failure: %v", left)
	}
}

func TestUpload_UnacknowledgedBytesFail(t *testing.T) {
	sess := &fakeSession{url: "https://h/files/s3", shortAt: 2}
	u := New(&fakeOpener{session: sess}, Options{ChunkSize: 4, TempDir: t.TempDir()})

	var reports []Progress
	_, err := u.Upload(context.Background(), Source{Reader: strings.NewReader("0123456789")}, nil, func(p Progress) { reports = append(reports, p) })
	var te *apierr.TransportError
	if !errors.As(err, &te) || !strings.Contains(err.Error(), "acknowledged offset 7, sent 8") {
		t.Fatalf("expected an offset mismatch transport error, got %v", err)
	}
	if len(sess.chunks) != 2 {
		t.Errorf("upload should stop at the short chunk, sent %v", sess.chunks)
	}
	if len(reports) != 1 {
		t.Errorf("progress must only cover acknowledged chunks, got %+v", reports)
	}
}

func TestUpload_PathFailureKeepsCallerFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keep.csv", 20)
	u := New(&fakeOpener{session: &fakeSession{url: "/files/p", failAt: 1}}, Options{ChunkSize: 8, TempDir: t.TempDir()})
	if _, err := u.Upload(context.Background(), Source{Path: path}, nil, nil); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("caller's file must survive a failed upload: %v", err)
	}
}

func TestUpload_InspectorAddsMetadataOrRejects(t *testing.T) {
	path := writeFile(t, t.TempDir(), "doc.pdf", 5)
	opener := &fakeOpener{session: &fakeSession{url: "/files/i"}}
	u := New(opener, Options{TempDir: t.TempDir(), Inspect: func(string) (map[string]string, error) {
		return map[string]string{MetaPageCount: "4"}, nil
	}})
	if _, err := u.Upload(context.Background(), Source{Path: path}, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opener.meta[MetaPageCount] != "4" {
		t.Errorf("expected pageCount from inspector, got %v", opener.meta)
	}

	rejecting := New(opener, Options{TempDir: t.TempDir(), Inspect: func(string) (map[string]string, error) {
		return nil, apierr.Invalid("file", "unreadable pdf")
	}})
	opener.sessions = 0
	if _, err := rejecting.Upload(context.Background(), Source{Path: path}, nil, nil); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if opener.sessions != 0 {
		t.Error("rejected file must not open a session")
	}
}

func TestUpload_ConcurrentRegistriesIsolated(t *testing.T) {
	tmp := t.TempDir()
	const workers = 2
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			opener := &fakeOpener{newSess: func() *fakeSession {
				n++
				return &fakeSession{url: fmt.Sprintf("/files/w%d-%d", w, n)}
			}}
			u := New(opener, Options{ChunkSize: 3, TempDir: tmp})
			for i := range perWorker {
				id, err := u.Upload(context.Background(), Source{Reader: strings.NewReader(strings.Repeat("x", 10+i)), Name: "in.bin"}, nil, nil)
				if err != nil {
					errs <- err
					continue
				}
				if want := fmt.Sprintf("w%d-%d", w, i+1); id != want {
					errs <- fmt.Errorf("worker %d: expected %s, got %s", w, want, id)
				}
			}
			if left := u.Registry().Paths(); len(left) != 0 {
				errs <- fmt.Errorf("worker %d: registry still tracks %v", w, left)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if left := listDir(t, tmp); len(left) != 0 {
		t.Errorf("temp dir not empty: %v", left)
	}
}

func TestRegistry_ReleaseOnlyOwnFiles(t *testing.T) {
	tmp := t.TempDir()
	a, b := NewTempRegistry(tmp), NewTempRegistry(tmp)
	fa, err := a.Create(".pdf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fa.Close()
	fb, err := b.Create(".pdf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fb.Close()

	if err := b.Release(fa.Name()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(fa.Name()); err != nil {
		t.Errorf("registry b deleted a's file: %v", err)
	}
	b.Cleanup()
	if _, err := os.Stat(fb.Name()); !os.IsNotExist(err) {
		t.Errorf("expected b's file removed, got %v", err)
	}
	if _, err := os.Stat(fa.Name()); err != nil {
		t.Errorf("b.Cleanup touched a's file: %v", err)
	}
}

func TestCreateTempDestination(t *testing.T) {
	tmp := t.TempDir()
	sess := &fakeSession{url: "/files/d1"}
	u := New(&fakeOpener{session: sess}, Options{TempDir: tmp})
	path, err := u.CreateTempDestination("download.docx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Ext(path) != ".docx" || filepath.Dir(path) != tmp {
		t.Errorf("unexpected destination %s", path)
	}
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := u.Upload(context.Background(), Source{Path: path}, nil, nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("tracked destination should be removed after upload, got %v", err)
	}
}

func TestResourceID(t *testing.T) {
	cases := map[string]string{
		"https://tusd.splore.ai/files/abc123+meta": "abc123",
		"https://tusd.splore.ai/files/abc123":      "abc123",
		"/files/xyz":                               "xyz",
		"https://h/files/id?x=1":                   "id",
		"https://h/files/id/":                      "id",
	}
	for in, want := range cases {
		if got := ResourceID(in); got != want {
			t.Errorf("ResourceID(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestDetectFiletype(t *testing.T) {
	dir := t.TempDir()
	noExt := filepath.Join(dir, "blob")
	if err := os.WriteFile(noExt, []byte("%PDF-1.4\n%âãÏÓ\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cases := []struct{ name, path, want string }{
		{"a.pdf", "", "application/pdf"},
		{"a.PDF", "", "application/pdf"},
		{"a.weirdext", "", "weirdext"},
		{"blob", noExt, "application/pdf"},
	}
	for _, tc := range cases {
		if got := DetectFiletype(tc.name, tc.path); got != tc.want {
			t.Errorf("DetectFiletype(%q): expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
