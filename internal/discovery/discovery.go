// Package discovery scans directories for MoTeC log and workspace files.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
	"github.com/sirupsen/logrus"
)

// Options controls a scan.
type Options struct {
	LDPattern  string // glob matched against file names
	LDXPattern string
	MaxFiles   int  // per type; 0 means unlimited
	Recursive  bool // descend into subdirectories
}

// DefaultOptions returns the patterns MoTeC i2 writes by default.
func DefaultOptions() Options {
	return Options{
		LDPattern:  "*.ld",
		LDXPattern: "*.ldx",
		MaxFiles:   1000,
		Recursive:  true,
	}
}

// Entry describes one discovered file.
type Entry struct {
	Path             string             `json:"path" yaml:"path"`
	Name             string             `json:"name" yaml:"name"`
	Type             models.FileType    `json:"type" yaml:"type"`
	Size             int64              `json:"size" yaml:"size"`
	Modified         time.Time          `json:"modified" yaml:"modified"`
	SuggestedSession string             `json:"suggestedSession,omitempty" yaml:"suggested_session,omitempty"`
	SuggestedCar     string             `json:"suggestedCar,omitempty" yaml:"suggested_car,omitempty"`
	Header           *models.LDHeader   `json:"header,omitempty" yaml:"header,omitempty"`
	Metadata         *models.LDMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	WorkspaceName    string             `json:"workspaceName,omitempty" yaml:"workspace_name,omitempty"`
	Valid            bool               `json:"valid" yaml:"valid"`
	Error            string             `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the result of one scan.
type Report struct {
	Dir       string    `json:"dir" yaml:"dir"`
	ScannedAt time.Time `json:"scannedAt" yaml:"scanned_at"`
	LD        []Entry   `json:"ld" yaml:"ld"`
	LDX       []Entry   `json:"ldx" yaml:"ldx"`
	Truncated bool      `json:"truncated" yaml:"truncated"`
}

// Scan walks dir and inspects every file matching the LD or LDX pattern.
// Problems with individual files are recorded on their entry; only a missing
// or unreadable root and context cancellation fail the scan.
func Scan(ctx context.Context, dir string, opts Options) (*Report, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", dir)
	}

	report := &Report{
		Dir:       dir,
		ScannedAt: time.Now(),
		LD:        make([]Entry, 0),
		LDX:       make([]Entry, 0),
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Unreadable subdirectories are skipped, the root was checked above.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && !opts.Recursive {
				return fs.SkipDir
			}
			return nil
		}

		name := d.Name()
		switch {
		case matches(opts.LDXPattern, name):
			if opts.MaxFiles > 0 && len(report.LDX) >= opts.MaxFiles {
				report.Truncated = true
				return nil
			}
			report.LDX = append(report.LDX, inspectLDX(path, d))
		case matches(opts.LDPattern, name):
			if opts.MaxFiles > 0 && len(report.LD) >= opts.MaxFiles {
				report.Truncated = true
				return nil
			}
			report.LD = append(report.LD, inspectLD(path, d))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(report.LD, func(i, j int) bool { return report.LD[i].Path < report.LD[j].Path })
	sort.Slice(report.LDX, func(i, j int) bool { return report.LDX[i].Path < report.LDX[j].Path })
	return report, nil
}

func matches(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

func newEntry(path string, d fs.DirEntry, ft models.FileType) (Entry, error) {
	e := Entry{
		Path:             path,
		Name:             d.Name(),
		Type:             ft,
		SuggestedSession: InferSession(d.Name()),
		SuggestedCar:     InferCar(path),
	}
	info, err := d.Info()
	if err != nil {
		return e, err
	}
	e.Size = info.Size()
	e.Modified = info.ModTime()
	return e, nil
}

// inspectLD reads only the header region, as MoTeC logs can be large.
func inspectLD(path string, d fs.DirEntry) Entry {
	e, err := newEntry(path, d, models.FileTypeLD)
	if err != nil {
		e.Error = err.Error()
		return e
	}

	head, err := readHead(path, parser.LDHeaderSize)
	if err != nil {
		e.Error = err.Error()
		return e
	}

	header, err := parser.ParseLDHeader(head)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Header = header

	meta, err := parser.ParseLDMetadata(head)
	if err != nil {
		// Header fields are still useful when the channel table is out of reach.
		e.Error = err.Error()
		e.Valid = true
		return e
	}
	meta.FileSize = uint64(e.Size)
	e.Metadata = meta
	e.Valid = true
	return e
}

func inspectLDX(path string, d fs.DirEntry) Entry {
	e, err := newEntry(path, d, models.FileTypeLDX)
	if err != nil {
		e.Error = err.Error()
		return e
	}

	data, err := os.ReadFile(path)
	if err != nil {
		e.Error = err.Error()
		return e
	}

	ws, err := parser.ParseLDX(data)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.WorkspaceName = ws.WorkspaceName
	if e.SuggestedCar == "" && ws.CarName != nil {
		e.SuggestedCar = *ws.CarName
	}
	e.Valid = true
	return e
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

var (
	datePattern    = regexp.MustCompile(`(\d{4}-?\d{2}-?\d{2})`)
	sessionPattern = regexp.MustCompile(`(?i)session[_-]?([A-Za-z0-9_]+)`)
	carPattern     = regexp.MustCompile(`(?i)car[_-]?([A-Za-z0-9_]+)`)
)

// InferSession guesses a session identifier from a file name: a date
// (YYYYMMDD or YYYY-MM-DD) optionally combined with a "session_X" marker.
func InferSession(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	session := ""
	if m := sessionPattern.FindStringSubmatch(base); m != nil {
		session = m[1]
	}

	if m := datePattern.FindStringSubmatch(base); m != nil {
		date := strings.ReplaceAll(m[1], "-", "")
		if session != "" {
			return date + "_" + session
		}
		return "session_" + date
	}
	return session
}

// InferCar returns the identifier of the first path component named like "car_X".
func InferCar(path string) string {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		part = strings.TrimSuffix(part, filepath.Ext(part))
		if m := carPattern.FindStringSubmatch(part); m != nil {
			return m[1]
		}
	}
	return ""
}

// Scanner rescans one directory on demand and in the background, reusing
// the last report when asked again within half the interval.
type Scanner struct {
	dir      string
	opts     Options
	interval time.Duration
	log      logrus.FieldLogger

	mu   sync.Mutex
	last *Report
}

// NewScanner creates a scanner for dir.
func NewScanner(dir string, opts Options, interval time.Duration, log logrus.FieldLogger) *Scanner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{
		dir:      dir,
		opts:     opts,
		interval: interval,
		log:      log.WithField("component", "discovery"),
	}
}

// Scan returns a fresh report, or the cached one when force is false and the
// last scan is recent.
func (s *Scanner) Scan(ctx context.Context, force bool) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.last != nil && time.Since(s.last.ScannedAt) < s.interval/2 {
		return s.last, nil
	}

	report, err := Scan(ctx, s.dir, s.opts)
	if err != nil {
		return nil, err
	}
	s.last = report

	s.log.WithFields(logrus.Fields{
		"dir": s.dir,
		"ld":  len(report.LD),
		"ldx": len(report.LDX),
	}).Debug("scan complete")
	return report, nil
}

// Last returns the most recent report, or nil before the first scan.
func (s *Scanner) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run scans immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Scan(ctx, true); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("background scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
