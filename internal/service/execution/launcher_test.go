package execution

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegate-server/internal/db/crypto"
	"delegate-server/internal/domain"
	"delegate-server/internal/service/job"
	"delegate-server/internal/service/stream"
	"delegate-server/internal/service/workspace"
	"delegate-server/internal/testutil"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type launcherFixture struct {
	store    *testutil.MemJobStore
	registry *Registry
	launcher *Launcher
	jobs     *job.Service
	cancels  *CancelService
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("launcher tests need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "product.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700)) //nolint:gosec // test script must be executable
	return path
}

func newLauncherFixture(t *testing.T, products map[string]domain.Product) *launcherFixture {
	t.Helper()
	return newLauncherFixtureWithStore(t, products, nil)
}

// newLauncherFixtureWithStore lets wrap decorate the store the launcher
// writes through. The other services keep using the plain store.
func newLauncherFixtureWithStore(
	t *testing.T,
	products map[string]domain.Product,
	wrap func(*testutil.MemJobStore) domain.JobRepository,
) *launcherFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	enc, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)
	cipher := crypto.NewConfigCipher(enc)

	store := testutil.NewMemJobStore()
	catalog := &testutil.MockProductCatalog{Products: products}
	registry := NewRegistry()
	jobs := job.NewService(store, catalog, cipher, "server-a", logger)
	planner := workspace.NewPlanner(workspace.NewParameterModelProvider(cipher),
		workspace.Defaults{MaxReadRetries: 1, ReadRetryWait: time.Millisecond}, logger)
	preparer := workspace.NewPreparer(testutil.NewMemInputStorage(), t.TempDir(), logger)

	var launcherStore domain.JobRepository = store
	if wrap != nil {
		launcherStore = wrap(store)
	}
	launcher := NewLauncher(launcherStore, jobs, catalog, cipher, planner, preparer, stream.NewThrottle(), registry,
		LauncherConfig{ServerID: "server-a", Interval: time.Second, RefreshPoll: 20 * time.Millisecond, StopDelay: time.Second},
		logger)

	return &launcherFixture{
		store:    store,
		registry: registry,
		launcher: launcher,
		jobs:     jobs,
		cancels:  NewCancelService(store, registry, time.Hour, logger),
	}
}

func (f *launcherFixture) readyJob(t *testing.T, productID string, params ...domain.JobParameter) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.jobs.CreateJob(ctx, "orchestrator", &domain.JobConfiguration{
		ProductID:     productID,
		UpstreamJobID: "upstream-" + productID,
		Parameters:    params,
	})
	require.NoError(t, err)
	require.NoError(t, f.jobs.MarkReadyToStart(ctx, id))
	return id
}

func TestLauncher_RunsJobToDone(t *testing.T) {
	script := writeScript(t, `echo "scanning $SCAN_TARGET_LANGUAGE"
echo "verbose=$SCAN_VERBOSE" >&2
echo "report for $DELEGATE_JOB_UUID" > "$DELEGATE_JOB_RESULT_FILE"`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {
			ID:                 "P",
			Path:               script,
			SupportedDataTypes: []domain.DataType{domain.DataTypeNone},
			OptionalParameters: []domain.ProductParameter{{Key: "scan.verbose", Default: "false"}},
		},
	})
	id := f.readyJob(t, "P", domain.JobParameter{Key: "scan.target.language", Value: "go"})

	launched, err := f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, launched)
	f.launcher.Wait()

	j := f.store.Get(id)
	assert.Equal(t, domain.JobStateDone, j.State)
	assert.Equal(t, "report for "+id, j.Result)
	assert.False(t, j.EncryptionOutOfSync)
	assert.Equal(t, "scanning go\n", j.OutputStreamText)
	assert.Equal(t, "verbose=false\n", j.ErrorStreamText)
	require.NotNil(t, j.Started)
	require.NotNil(t, j.Ended)
	assert.Equal(t, 0, f.registry.Len())
}

func TestLauncher_FailingProcess(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {ID: "P", Path: script},
	})
	id := f.readyJob(t, "P")

	_, err := f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	f.launcher.Wait()

	j := f.store.Get(id)
	assert.Equal(t, domain.JobStateFailed, j.State)
	assert.Contains(t, j.Result, "exit status 3")
	assert.Equal(t, "boom\n", j.ErrorStreamText)
}

func TestLauncher_MissingInputFailsWithoutRunning(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, `touch "`+marker+`"`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {ID: "P", Path: script, SupportedDataTypes: []domain.DataType{domain.DataTypeSource}},
	})
	id := f.readyJob(t, "P")

	_, err := f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	f.launcher.Wait()

	j := f.store.Get(id)
	assert.Equal(t, domain.JobStateFailed, j.State)
	assert.Contains(t, j.Result, "workspace preparation failed")
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLauncher_OneRunningJobPerServer(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {ID: "P", Path: script},
	})
	first := f.readyJob(t, "P")
	second := f.readyJob(t, "P")

	launched, err := f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, launched)

	launched, err = f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, launched, "a running job blocks the server")
	assert.Equal(t, domain.JobStateReadyToStart, f.store.Get(second).State)

	assert.Equal(t, domain.CancelFoundCanceled, f.cancels.Cancel(first))
	f.launcher.Wait()
}

func TestLauncher_CooperativeCancel(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {ID: "P", Path: script},
	})
	id := f.readyJob(t, "P")
	ctx := context.Background()

	_, err := f.launcher.LaunchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.cancels.RequestCancellation(ctx, id))

	summary, err := f.cancels.HandleCancelRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Canceled, "the executor persists the terminal state itself")
	f.launcher.Wait()

	assert.Equal(t, domain.JobStateCanceled, f.store.Get(id).State)
	assert.Equal(t, domain.CancelNotFound, f.cancels.Cancel(id))
}

// beforeTerminalSave runs hook once, right before the first save that moves
// a job into a terminal state.
type beforeTerminalSave struct {
	*testutil.MemJobStore
	once sync.Once
	hook func()
}

func (s *beforeTerminalSave) Save(ctx context.Context, j *domain.Job) error {
	if j.State.IsTerminal() {
		s.once.Do(s.hook)
	}
	return s.MemJobStore.Save(ctx, j)
}

func TestLauncher_CompletionWinsOverLateCancelPass(t *testing.T) {
	script := writeScript(t, `sleep 0.3
echo "real report" > "$DELEGATE_JOB_RESULT_FILE"`)

	var (
		f         *launcherFixture
		id        string
		duringFin domain.CancelResult
		summary   PassSummary
		passErr   error
	)
	f = newLauncherFixtureWithStore(t, map[string]domain.Product{
		"P": {ID: "P", Path: script},
	}, func(store *testutil.MemJobStore) domain.JobRepository {
		return &beforeTerminalSave{MemJobStore: store, hook: func() {
			duringFin = f.cancels.Cancel(id)
			summary, passErr = f.cancels.HandleCancelRequests(context.Background())
		}}
	})
	id = f.readyJob(t, "P")
	ctx := context.Background()

	_, err := f.launcher.LaunchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.cancels.RequestCancellation(ctx, id))
	f.launcher.Wait()

	assert.Equal(t, domain.CancelFoundCanceled, duringFin)
	require.NoError(t, passErr)
	assert.Equal(t, 0, summary.Canceled)

	j := f.store.Get(id)
	assert.Equal(t, domain.JobStateDone, j.State)
	assert.Equal(t, "real report", j.Result)
	assert.Equal(t, domain.CancelNotFound, f.cancels.Cancel(id))
}

func TestLauncher_UndecryptableConfigurationMarksOutOfSync(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, `touch "`+marker+`"`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {ID: "P", Path: script},
	})
	id := f.readyJob(t, "P")
	require.NoError(t, f.store.Mutate(id, func(j *domain.Job) {
		j.EncryptedConfiguration[0] ^= 0xff
	}))

	_, err := f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	f.launcher.Wait()

	j := f.store.Get(id)
	assert.Equal(t, domain.JobStateFailed, j.State)
	assert.True(t, j.EncryptionOutOfSync)
	assert.Contains(t, j.Result, "read job configuration")
	assert.NoFileExists(t, marker)
}

func TestLauncher_StreamRefreshOnRequest(t *testing.T) {
	script := writeScript(t, `echo "first line"
i=0
while [ $i -lt 100 ]; do sleep 0.05; i=$((i+1)); done`)
	f := newLauncherFixture(t, map[string]domain.Product{
		"P": {ID: "P", Path: script},
	})
	id := f.readyJob(t, "P")
	ctx := context.Background()
	streams := stream.NewService(f.store, stream.NewThrottle(), slog.New(slog.DiscardHandler))

	_, err := f.launcher.LaunchNext(ctx)
	require.NoError(t, err)
	defer func() {
		f.cancels.Cancel(id)
		f.launcher.Wait()
	}()

	require.Eventually(t, func() bool {
		out, err := streams.OutputStream(ctx, id)
		return err == nil && out == "first line\n"
	}, 4*time.Second, 50*time.Millisecond)
	assert.NotNil(t, f.store.Get(id).LastStreamTextUpdate)
}

func TestLauncher_NothingToLaunch(t *testing.T) {
	f := newLauncherFixture(t, nil)

	launched, err := f.launcher.LaunchNext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, launched)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "SCAN_TARGET_LANGUAGE", envName("scan.target.language"))
	assert.Equal(t, "A_B_C", envName("a-b c"))
}
