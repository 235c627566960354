package workspace

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegate-server/internal/domain"
	"delegate-server/internal/testutil"
)

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func tarArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, w.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestPreparer(t *testing.T, inputs domain.InputStorage) (*Preparer, *[]time.Duration) {
	t.Helper()
	p := NewPreparer(inputs, t.TempDir(), slog.New(slog.DiscardHandler))
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return p, &waits
}

func TestPrepare_ExtractsAcceptedInputs(t *testing.T) {
	ctx := context.Background()
	inputs := testutil.NewMemInputStorage()
	require.NoError(t, inputs.Put(ctx, "job-1", domain.SourceArchiveName,
		bytes.NewReader(zipArchive(t, map[string]string{"src/main.go": "package main"}))))
	require.NoError(t, inputs.Put(ctx, "job-1", domain.BinaryArchiveName,
		bytes.NewReader(tarArchive(t, map[string]string{"bin/app": "ELF"}))))

	p, _ := newTestPreparer(t, inputs)
	c := &Context{JobID: "job-1", SourceAccepted: true, BinaryAccepted: true}

	ws, err := p.Prepare(ctx, c)
	require.NoError(t, err)
	assert.True(t, c.SourceExtracted)
	assert.True(t, c.BinaryExtracted)
	assert.True(t, CalculateResult(*c).Executable)

	data, err := os.ReadFile(filepath.Join(ws.SourceDir, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))

	data, err = os.ReadFile(filepath.Join(ws.BinaryDir, "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(data))

	require.NoError(t, p.Cleanup("job-1"))
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestPrepare_SkipsUnacceptedAndMissingInputs(t *testing.T) {
	ctx := context.Background()
	inputs := testutil.NewMemInputStorage()
	require.NoError(t, inputs.Put(ctx, "job-1", domain.BinaryArchiveName,
		bytes.NewReader(tarArchive(t, map[string]string{"bin/app": "ELF"}))))

	p, _ := newTestPreparer(t, inputs)
	c := &Context{JobID: "job-1", SourceAccepted: true}

	_, err := p.Prepare(ctx, c)
	require.NoError(t, err)
	assert.False(t, c.SourceExtracted, "source was never uploaded")
	assert.False(t, c.BinaryExtracted, "binary is not accepted")
	assert.False(t, CalculateResult(*c).Executable)
	assert.Equal(t, int32(0), inputs.GetCalls.Load())
}

func TestPrepare_RetriesFailedReads(t *testing.T) {
	ctx := context.Background()
	inputs := testutil.NewMemInputStorage()
	require.NoError(t, inputs.Put(ctx, "job-1", domain.SourceArchiveName,
		bytes.NewReader(zipArchive(t, map[string]string{"a.txt": "a"}))))
	inputs.GetErrs = []error{errors.New("timeout"), errors.New("timeout")}

	p, waits := newTestPreparer(t, inputs)
	c := &Context{JobID: "job-1", SourceAccepted: true, MaxReadRetries: 3, ReadRetryWait: 5 * time.Second}

	_, err := p.Prepare(ctx, c)
	require.NoError(t, err)
	assert.True(t, c.SourceExtracted)
	assert.Equal(t, int32(3), inputs.GetCalls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *waits)
}

func TestPrepare_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	inputs := testutil.NewMemInputStorage()
	require.NoError(t, inputs.Put(ctx, "job-1", domain.SourceArchiveName, bytes.NewReader([]byte("x"))))
	inputs.GetErrs = []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}

	p, _ := newTestPreparer(t, inputs)
	c := &Context{JobID: "job-1", SourceAccepted: true, MaxReadRetries: 2}

	_, err := p.Prepare(ctx, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.False(t, c.SourceExtracted)
}

func TestPrepare_RejectsEscapingEntries(t *testing.T) {
	ctx := context.Background()
	inputs := testutil.NewMemInputStorage()
	require.NoError(t, inputs.Put(ctx, "job-1", domain.SourceArchiveName,
		bytes.NewReader(zipArchive(t, map[string]string{"../../evil.sh": "rm"}))))

	p, _ := newTestPreparer(t, inputs)
	c := &Context{JobID: "job-1", SourceAccepted: true}

	ws, err := p.Prepare(ctx, c)
	require.Error(t, err)
	assert.False(t, c.SourceExtracted)
	_, statErr := os.Stat(filepath.Join(ws.SourceDir, "..", "..", "evil.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPrepare_LimitsExtractedBytes(t *testing.T) {
	ctx := context.Background()
	// Compresses to a few hundred bytes and unpacks to 1 MiB.
	bomb := string(bytes.Repeat([]byte{0}, 1<<20))

	tests := []struct {
		name    string
		files   map[string]string
		limit   int64
		wantErr bool
	}{
		{"within limit", map[string]string{"a.txt": "12345678"}, 8, false},
		{"one byte over", map[string]string{"a.txt": "123456789"}, 8, true},
		{"limit spans entries", map[string]string{"a.txt": "12345", "b.txt": "12345"}, 8, true},
		{"highly compressed entry", map[string]string{"zeros.bin": bomb}, 64 << 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := testutil.NewMemInputStorage()
			require.NoError(t, inputs.Put(ctx, "job-1", domain.SourceArchiveName,
				bytes.NewReader(zipArchive(t, tt.files))))

			p, _ := newTestPreparer(t, inputs)
			p.SetMaxExtractedBytes(tt.limit)
			c := &Context{JobID: "job-1", SourceAccepted: true}

			_, err := p.Prepare(ctx, c)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrExtractLimit)
				assert.False(t, c.SourceExtracted)
				return
			}
			require.NoError(t, err)
			assert.True(t, c.SourceExtracted)
		})
	}
}

func TestPrepare_LimitIsSharedByArchives(t *testing.T) {
	ctx := context.Background()
	inputs := testutil.NewMemInputStorage()
	require.NoError(t, inputs.Put(ctx, "job-1", domain.SourceArchiveName,
		bytes.NewReader(zipArchive(t, map[string]string{"a.txt": "123456"}))))
	require.NoError(t, inputs.Put(ctx, "job-1", domain.BinaryArchiveName,
		bytes.NewReader(tarArchive(t, map[string]string{"bin/app": "123456"}))))

	p, _ := newTestPreparer(t, inputs)
	p.SetMaxExtractedBytes(10)
	c := &Context{JobID: "job-1", SourceAccepted: true, BinaryAccepted: true}

	_, err := p.Prepare(ctx, c)
	require.ErrorIs(t, err, ErrExtractLimit)
	assert.True(t, c.SourceExtracted)
	assert.False(t, c.BinaryExtracted)
}
