package workspace

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"delegate-server/internal/domain"
)

// Workspace is the on-disk layout prepared for one job.
type Workspace struct {
	Dir       string
	SourceDir string
	BinaryDir string
	Output    string
	Error     string
	Result    string
}

// Layout returns the workspace paths of jobID below root without creating them.
func Layout(root, jobID string) Workspace {
	dir := filepath.Join(root, jobID)
	return Workspace{
		Dir:       dir,
		SourceDir: filepath.Join(dir, "upload", "sources"),
		BinaryDir: filepath.Join(dir, "upload", "binaries"),
		Output:    filepath.Join(dir, "output.txt"),
		Error:     filepath.Join(dir, "error.txt"),
		Result:    filepath.Join(dir, "result.txt"),
	}
}

// DefaultMaxExtractedBytes bounds what the archives of one job may unpack to.
const DefaultMaxExtractedBytes int64 = 4 << 30

// ErrExtractLimit is returned when archives unpack to more than the
// configured limit.
var ErrExtractLimit = errors.New("extracted archive content exceeds limit")

// Preparer materializes uploaded input archives into job workspaces.
type Preparer struct {
	inputs     domain.InputStorage
	root       string
	maxExtract int64
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewPreparer creates a Preparer placing workspaces below root.
func NewPreparer(inputs domain.InputStorage, root string, logger *slog.Logger) *Preparer {
	return &Preparer{
		inputs:     inputs,
		root:       root,
		maxExtract: DefaultMaxExtractedBytes,
		logger:     logger.With("component", "workspace-preparer"),
		sleep:      sleepContext,
	}
}

// SetMaxExtractedBytes limits the total size of the files unpacked for one
// job. n <= 0 restores the default.
func (p *Preparer) SetMaxExtractedBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxExtractedBytes
	}
	p.maxExtract = n
}

// extractBudget counts the bytes still allowed to be written for one job.
type extractBudget struct {
	remaining int64
}

// copy writes src to dst, failing with ErrExtractLimit once the budget
// is spent.
func (b *extractBudget) copy(dst io.Writer, src io.Reader) error {
	n, err := io.Copy(dst, io.LimitReader(src, b.remaining+1))
	b.remaining -= n
	if err != nil {
		return err
	}
	if b.remaining < 0 {
		return ErrExtractLimit
	}
	return nil
}

// Prepare creates the workspace of c.JobID and extracts every accepted
// input archive that was uploaded, setting the matching Extracted flag.
func (p *Preparer) Prepare(ctx context.Context, c *Context) (Workspace, error) {
	ws := Layout(p.root, c.JobID)
	if err := os.MkdirAll(ws.Dir, 0o750); err != nil {
		return ws, fmt.Errorf("create workspace: %w", err)
	}

	budget := &extractBudget{remaining: p.maxExtract}
	if c.SourceAccepted {
		ok, err := p.extract(ctx, c, domain.SourceArchiveName, ws.SourceDir, budget, extractZip)
		if err != nil {
			return ws, err
		}
		c.SourceExtracted = ok
	}
	if c.BinaryAccepted {
		ok, err := p.extract(ctx, c, domain.BinaryArchiveName, ws.BinaryDir, budget, extractTar)
		if err != nil {
			return ws, err
		}
		c.BinaryExtracted = ok
	}
	return ws, nil
}

// Cleanup removes the workspace of jobID.
func (p *Preparer) Cleanup(jobID string) error {
	return os.RemoveAll(Layout(p.root, jobID).Dir)
}

type extractFunc func(archive, dest string, budget *extractBudget) error

func (p *Preparer) extract(ctx context.Context, c *Context, name, dest string, budget *extractBudget, fn extractFunc) (bool, error) {
	exists, err := p.inputs.Exists(ctx, c.JobID, name)
	if err != nil {
		return false, fmt.Errorf("check input %s: %w", name, err)
	}
	if !exists {
		p.logger.Info("input not uploaded", "job_id", c.JobID, "name", name)
		return false, nil
	}

	archive := filepath.Join(filepath.Dir(dest), name)
	if err := os.MkdirAll(filepath.Dir(archive), 0o750); err != nil {
		return false, err
	}
	if err := p.download(ctx, c, name, archive); err != nil {
		return false, err
	}
	if err := fn(archive, dest, budget); err != nil {
		return false, fmt.Errorf("extract %s: %w", name, err)
	}
	return true, nil
}

// download copies input name to path, retrying failed reads up to
// c.MaxReadRetries times with c.ReadRetryWait between attempts.
func (p *Preparer) download(ctx context.Context, c *Context, name, path string) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxReadRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying input read", "job_id", c.JobID, "name", name, "attempt", attempt, "error", lastErr)
			if err := p.sleep(ctx, c.ReadRetryWait); err != nil {
				return err
			}
		}
		lastErr = p.copyTo(ctx, c.JobID, name, path)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("read input %s of job %s after %d attempts: %w", name, c.JobID, c.MaxReadRetries+1, lastErr)
}

func (p *Preparer) copyTo(ctx context.Context, jobID, name, path string) error {
	rc, err := p.inputs.Get(ctx, jobID, name)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck

	f, err := os.Create(path) //nolint:gosec // path is inside the job workspace
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// safeJoin resolves name below dest and rejects entries escaping it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes target directory", name)
	}
	return target, nil
}

func extractZip(archive, dest string, budget *extractBudget) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := writeEntry(target, budget, func() (io.ReadCloser, error) { return f.Open() }); err != nil {
			return err
		}
	}
	return nil
}

func extractTar(archive, dest string, budget *extractBudget) error {
	f, err := os.Open(archive) //nolint:gosec // path is inside the job workspace
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, budget, func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }); err != nil {
				return err
			}
		}
	}
}

func writeEntry(target string, budget *extractBudget, open func() (io.ReadCloser, error)) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck

	out, err := os.Create(target) //nolint:gosec // target validated by safeJoin
	if err != nil {
		return err
	}
	if err := budget.copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
