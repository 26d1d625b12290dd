package sender

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wxsend/internal/domain"
	"wxsend/internal/fetch"
	"wxsend/internal/journal"
	"wxsend/internal/logging"
)

// --- fakes ---

type sentFile struct {
	who     string
	path    string
	content string
}

type fakeAuto struct {
	mu       sync.Mutex
	user     string
	userErr  error
	contacts []string
	textErr  map[string]error
	fileErr  map[string]error
	texts    []string // "who|text"
	files    []sentFile
	onSend   func(who string)
}

func (f *fakeAuto) CurrentUser(context.Context) (string, error) { return f.user, f.userErr }

func (f *fakeAuto) Contacts(context.Context) ([]string, error) { return f.contacts, nil }

func (f *fakeAuto) SendText(_ context.Context, who, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, who+"|"+text)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(who)
	}
	return f.textErr[who]
}

func (f *fakeAuto) SendFile(_ context.Context, who, path string) error {
	data, _ := os.ReadFile(path)
	f.mu.Lock()
	f.files = append(f.files, sentFile{who: who, path: path, content: string(data)})
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(who)
	}
	return f.fileErr[who]
}

type fakeLocker struct {
	acquired, released int
	err                error
}

func (l *fakeLocker) Acquire(context.Context, string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

type memJournal struct{ entries []journal.Entry }

func (j *memJournal) Record(_ context.Context, e journal.Entry) error {
	j.entries = append(j.entries, e)
	return nil
}

type countingResolver struct {
	inner Resolver
	calls int
	file  *fetch.File
	err   error
}

func (r *countingResolver) Resolve(ctx context.Context, src fetch.Source) (*fetch.File, error) {
	r.calls++
	if r.err != nil || r.file != nil {
		return r.file, r.err
	}
	return r.inner.Resolve(ctx, src)
}

type harness struct {
	svc      *Service
	auto     *fakeAuto
	locker   *fakeLocker
	journal  *memJournal
	resolver *countingResolver
	scratch  string
	sleeps   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		auto:    &fakeAuto{textErr: map[string]error{}, fileErr: map[string]error{}},
		locker:  &fakeLocker{},
		journal: &memJournal{},
		scratch: t.TempDir(),
	}
	h.resolver = &countingResolver{inner: fetch.NewResolver(fetch.Options{ScratchDir: h.scratch}, logging.Discard())}
	h.svc = New(Deps{Automation: h.auto, Resolver: h.resolver, Locker: h.locker, Journal: h.journal}, Options{
		ReadyPollInterval: 10 * time.Millisecond,
		ReadyPollAttempts: 3,
		CleanupAttempts:   3,
		CleanupDelay:      time.Millisecond,
		CleanupRetryDelay: time.Millisecond,
		SendDelay:         3 * time.Second,
		RandomDelay:       false,
		RandomDelayMin:    time.Second,
		RandomDelayMax:    5 * time.Second,
	}, logging.Discard())
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.svc.jitter = func(lo, hi time.Duration) time.Duration { return 2 * time.Second }
	return h
}

func inline(content, name string) *domain.InlineFile {
	return &domain.InlineFile{Data: base64.StdEncoding.EncodeToString([]byte(content)), FileName: name}
}

func scratchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func float(v float64) *float64 { return &v }

// --- status / contacts ---

func TestStatus_LoggedIn(t *testing.T) {
	h := newHarness(t)
	h.auto.user = "张三"

	res := h.svc.Status(context.Background())
	assert.True(t, res.Success)
	require.NotNil(t, res.LoggedIn)
	assert.True(t, *res.LoggedIn)
	assert.Equal(t, "张三", res.User)
	assert.Equal(t, 1, h.locker.acquired)
	assert.Equal(t, 1, h.locker.released)
}

func TestStatus_DependencyMissing(t *testing.T) {
	h := newHarness(t)
	h.auto.userErr = domain.Errorf(domain.KindDependencyMissing, "check_login", "wxauto is not installed")

	res := h.svc.Status(context.Background())
	assert.False(t, res.Success)
	require.NotNil(t, res.LoggedIn)
	assert.False(t, *res.LoggedIn)
	assert.Equal(t, domain.KindDependencyMissing, res.ErrorKind)
	assert.Equal(t, domain.InstallHint, res.InstallHint)
	assert.NotEmpty(t, res.Error)
}

func TestStatus_Busy(t *testing.T) {
	h := newHarness(t)
	h.locker.err = domain.Errorf(domain.KindBusy, "lock", "client session busy")
	res := h.svc.Status(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindBusy, res.ErrorKind)
}

func TestContacts(t *testing.T) {
	h := newHarness(t)
	h.auto.contacts = []string{"张三", "李四"}

	res := h.svc.Contacts(context.Background())
	require.True(t, res.Success)
	require.NotNil(t, res.Count)
	assert.Equal(t, 2, *res.Count)
	assert.Equal(t, domain.Contact{ID: "李四", Name: "李四", Alias: "", Type: "contact"}, res.Contacts[1])
}

func TestContacts_EmptyListStillCounts(t *testing.T) {
	h := newHarness(t)
	res := h.svc.Contacts(context.Background())
	require.True(t, res.Success)
	require.NotNil(t, res.Count)
	assert.Equal(t, 0, *res.Count)
}

// --- text ---

func TestSendText_Single(t *testing.T) {
	h := newHarness(t)
	res := h.svc.SendText(context.Background(), domain.TextRequest{ToType: "contact", ToID: "张三", Text: "你好"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "张三", res.Target)
	assert.Equal(t, []string{"张三|你好"}, h.auto.texts)
	require.Len(t, h.journal.entries, 1)
	assert.True(t, h.journal.entries[0].Success)
}

func TestSendText_FileHelperTargets(t *testing.T) {
	for _, req := range []domain.TextRequest{
		{ToType: "filehelper", ToID: "ignored", Text: "x"},
		{ToType: "contact", ToID: "null", Text: "x"},
		{ToType: "room", Text: "x"},
		{ToType: "", Text: "x"},
		{ToType: "filehelper", ToIDs: []string{"a", "b"}, Text: "x"},
	} {
		h := newHarness(t)
		res := h.svc.SendText(context.Background(), req)
		require.True(t, res.Success)
		assert.Equal(t, []string{domain.FileHelperName + "|x"}, h.auto.texts, "%+v", req)
	}
}

func TestSendText_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	res := h.svc.SendText(context.Background(), domain.TextRequest{ToType: "contact", ToID: "a", Text: "  "})
	assert.Equal(t, domain.KindInvalidRequest, res.ErrorKind)

	res = h.svc.SendText(context.Background(), domain.TextRequest{ToType: "channel", ToID: "a", Text: "x"})
	assert.Equal(t, domain.KindInvalidRequest, res.ErrorKind)
	assert.Empty(t, h.auto.texts)
}

func TestSendText_SingleFailureKeepsTarget(t *testing.T) {
	h := newHarness(t)
	h.auto.textErr["张三"] = domain.Errorf(domain.KindDelivery, "send_text", "chat not found")
	res := h.svc.SendText(context.Background(), domain.TextRequest{ToType: "contact", ToID: "张三", Text: "x"})
	assert.False(t, res.Success)
	assert.Equal(t, "张三", res.Target)
	assert.Equal(t, domain.KindDelivery, res.ErrorKind)
}

func TestSendText_BatchIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.auto.textErr["b"] = domain.Errorf(domain.KindDelivery, "send_text", "chat b not found")

	res := h.svc.SendText(context.Background(), domain.TextRequest{
		ToType: "contact", ToIDs: []string{"a", "b", "c"}, Text: "hi",
	})
	require.True(t, res.Success)
	assert.Equal(t, "sent 2/3", res.Message)
	require.Len(t, res.Results, 3)

	assert.Equal(t, []string{"a|hi", "b|hi", "c|hi"}, h.auto.texts, "strict input order")
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.NotEmpty(t, res.Results[1].Error)
	assert.Equal(t, domain.KindDelivery, res.Results[1].ErrorKind)
	assert.True(t, res.Results[2].Success)
	assert.Equal(t, &domain.Summary{Total: 3, Successful: 2, Failed: 1}, res.Summary)

	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, h.sleeps, "delay between sends, not after the last")
	assert.Equal(t, 1, h.locker.acquired, "one lock for the whole batch")
	assert.Len(t, h.journal.entries, 3)
}

func TestSendText_BatchDelayOptions(t *testing.T) {
	h := newHarness(t)
	random := true
	res := h.svc.SendText(context.Background(), domain.TextRequest{
		ToType: "room", ToIDs: []string{"g1", "g2"}, Text: "x",
		BatchOptions: &domain.BatchOptions{SendDelay: float(1.5), RandomDelay: &random},
	})
	require.True(t, res.Success)
	assert.Equal(t, []time.Duration{1500*time.Millisecond + 2*time.Second}, h.sleeps)
}

func TestSendText_BatchAllFailed(t *testing.T) {
	h := newHarness(t)
	h.auto.textErr["a"] = errors.New("x")
	h.auto.textErr["b"] = errors.New("y")
	res := h.svc.SendText(context.Background(), domain.TextRequest{ToType: "contact", ToIDs: []string{"a", "b"}, Text: "x"})
	assert.False(t, res.Success)
	assert.Equal(t, "sent 0/2", res.Message)
	assert.Len(t, res.Results, 2)
}

func TestSendText_BatchInterruptedReportsEveryTarget(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.auto.onSend = func(who string) {
		if who == "b" {
			cancel()
		}
	}

	res := h.svc.SendText(ctx, domain.TextRequest{ToType: "contact", ToIDs: []string{"a", "b", "c", "d"}, Text: "x"})
	require.Len(t, res.Results, 4)
	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Success)
	assert.Equal(t, domain.KindInterrupted, res.Results[2].ErrorKind)
	assert.Equal(t, domain.KindInterrupted, res.Results[3].ErrorKind)
	assert.Equal(t, []string{"a|x", "b|x"}, h.auto.texts)
}

func TestRandomBetween(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := randomBetween(time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, time.Second, randomBetween(time.Second, time.Second))
}

// --- files ---

func TestSendFile_InlineSingle(t *testing.T) {
	h := newHarness(t)
	res := h.svc.SendFile(context.Background(), domain.FileRequest{
		ToType: "contact", ToID: "张三", FileData: inline("report body", "report.pdf"),
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "file sent", res.Message)
	assert.Equal(t, "report.pdf", res.Filename)
	assert.Equal(t, int64(len("report body")), res.FileSize)
	assert.Equal(t, "done", res.Cleanup)
	assert.Equal(t, "张三", res.Target)

	require.Len(t, h.auto.files, 1)
	assert.Equal(t, "report body", h.auto.files[0].content, "file is complete when handed over")
	assert.Empty(t, scratchFiles(t, h.scratch), "temporary file removed")

	require.Len(t, h.journal.entries, 1)
	assert.Equal(t, "report.pdf", h.journal.entries[0].Filename)
}

func TestSendFile_CleanupFailureDoesNotFlipSuccess(t *testing.T) {
	h := newHarness(t)
	removes := 0
	h.svc.remove = func(string) error {
		removes++
		return errors.New("file in use")
	}

	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "filehelper", FileData: inline("x", "a.txt")})
	assert.True(t, res.Success)
	assert.Equal(t, "deferred", res.Cleanup)
	assert.Equal(t, 3, removes)
}

func TestSendFile_CleanupRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	removes := 0
	h.svc.remove = func(p string) error {
		removes++
		if removes < 2 {
			return errors.New("file in use")
		}
		return os.Remove(p)
	}
	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "filehelper", FileData: inline("x", "a.txt")})
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Cleanup)
	assert.Equal(t, 2, removes)
}

func TestSendFile_DeliveryFailureStillCleansUp(t *testing.T) {
	h := newHarness(t)
	h.auto.fileErr["张三"] = domain.Errorf(domain.KindDelivery, "send_file", "upload failed")

	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "contact", ToID: "张三", FileData: inline("x", "a.txt")})
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindDelivery, res.ErrorKind)
	assert.Equal(t, "done", res.Cleanup)
	assert.Equal(t, "a.txt", res.Filename)
	assert.Len(t, h.auto.files, 1, "delivery is never retried")
	assert.Empty(t, scratchFiles(t, h.scratch))
}

func TestSendFile_UnreadableFileIsLocked(t *testing.T) {
	h := newHarness(t)
	h.resolver.file = &fetch.File{Path: filepath.Join(h.scratch, "gone.txt"), Name: "gone.txt", Size: 1}

	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "filehelper", URL: "https://example.com/gone.txt"})
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindFileLocked, res.ErrorKind)
	assert.Empty(t, h.auto.files, "no delivery attempt")
	assert.Equal(t, "done", res.Cleanup)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, h.sleeps[:2])
}

func TestSendFile_ResolveFailure(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = domain.Errorf(domain.KindNetwork, "download", "unexpected status 404 Not Found")

	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "contact", ToID: "a", URL: "https://example.com/x.jpg"})
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindNetwork, res.ErrorKind)
	assert.Empty(t, res.Cleanup)
	assert.Empty(t, h.auto.files)
	assert.Equal(t, 0, h.locker.acquired)
}

func TestSendFile_NoSource(t *testing.T) {
	h := newHarness(t)
	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "contact", ToID: "a"})
	assert.Equal(t, domain.KindInvalidRequest, res.ErrorKind)
	assert.Equal(t, 0, h.resolver.calls)
}

func TestSendFile_Caption(t *testing.T) {
	h := newHarness(t)
	res := h.svc.SendFile(context.Background(), domain.FileRequest{
		ToType: "contact", ToID: "a", FileData: inline("x", "a.txt"), Caption: "see attached",
	})
	require.True(t, res.Success)
	assert.Equal(t, []string{"a|see attached"}, h.auto.texts)
	assert.Empty(t, res.Warnings)

	h = newHarness(t)
	h.auto.textErr["a"] = errors.New("input box missing")
	res = h.svc.SendFile(context.Background(), domain.FileRequest{
		ToType: "contact", ToID: "a", FileData: inline("x", "a.txt"), Caption: "see attached",
	})
	require.True(t, res.Success)
	assert.Equal(t, []string{WarnCaptionFailed + ":a"}, res.Warnings)
}

func TestSendFile_ResolverWarningsCarried(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.scratch, "t.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))
	h.resolver.file = &fetch.File{Path: path, Name: "t.pdf", Size: 4, Warnings: []string{fetch.WarnInsecureTLS}}

	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "filehelper", URL: "https://self-signed.example/t.pdf"})
	require.True(t, res.Success)
	assert.Equal(t, []string{fetch.WarnInsecureTLS}, res.Warnings)
}

func TestSendFile_BatchResolvesOnceAndCleansOnce(t *testing.T) {
	h := newHarness(t)
	h.auto.fileErr["b"] = domain.Errorf(domain.KindDelivery, "send_file", "chat b not found")
	removes := 0
	h.svc.remove = func(p string) error {
		removes++
		return os.Remove(p)
	}

	res := h.svc.SendFile(context.Background(), domain.FileRequest{
		ToType: "room", ToIDs: []string{"a", "b", "c"}, FileData: inline("shared", "plan.docx"),
		BatchOptions: &domain.BatchOptions{SendDelay: float(0)},
	})
	require.True(t, res.Success)
	assert.Equal(t, 1, h.resolver.calls)
	assert.Equal(t, 1, removes)
	assert.Equal(t, "done", res.Cleanup)
	assert.Equal(t, "plan.docx", res.Filename)

	require.Len(t, res.Results, 3)
	assert.False(t, res.Results[1].Success)
	assert.Equal(t, &domain.Summary{Total: 3, Successful: 2, Failed: 1}, res.Summary)

	require.Len(t, h.auto.files, 3)
	for i, who := range []string{"a", "b", "c"} {
		assert.Equal(t, who, h.auto.files[i].who)
		assert.Equal(t, "shared", h.auto.files[i].content)
	}
	assert.Len(t, h.journal.entries, 3)
	assert.Equal(t, "plan.docx", h.journal.entries[0].Filename)
}

func TestSendFile_BusyLockStillCleansUp(t *testing.T) {
	h := newHarness(t)
	h.locker.err = domain.Errorf(domain.KindBusy, "lock", "client session busy")
	res := h.svc.SendFile(context.Background(), domain.FileRequest{ToType: "filehelper", FileData: inline("x", "a.txt")})
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindBusy, res.ErrorKind)
	assert.Equal(t, "done", res.Cleanup)
	assert.Empty(t, scratchFiles(t, h.scratch))
}

func TestCleanupRunsAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.auto.onSend = func(string) { cancel() }
	h.auto.fileErr[domain.FileHelperName] = context.Canceled

	res := h.svc.SendFile(ctx, domain.FileRequest{ToType: "filehelper", FileData: inline("x", "a.txt")})
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindInterrupted, res.ErrorKind)
	assert.Equal(t, "done", res.Cleanup)
	assert.Empty(t, scratchFiles(t, h.scratch))
}
