package fileedit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	codepunk "github.com/codepunk/codepunk"
)

// ErrorCode classifies a failed edit.
type ErrorCode string

const (
	InvalidPath        ErrorCode = "InvalidPath"
	PathOutOfRoot      ErrorCode = "PathOutOfRoot"
	FileNotFound       ErrorCode = "FileNotFound"
	FileTooLarge       ErrorCode = "FileTooLarge"
	BinaryFile         ErrorCode = "BinaryFile"
	NoOccurrence       ErrorCode = "NoOccurrence"
	OccurrenceMismatch ErrorCode = "OccurrenceMismatch"
	NoChange           ErrorCode = "NoChange"
	WriteFailed        ErrorCode = "WriteFailed"
	UserCancelled      ErrorCode = "UserCancelled"
)

// EditError is a structured edit failure. Code is stable for callers; the
// message is for humans.
type EditError struct {
	Code    ErrorCode
	Path    string
	Message string
	Err     error
}

func (e *EditError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EditError) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from err, or "" when err is not an EditError.
func CodeOf(err error) ErrorCode {
	var e *EditError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// defaultMaxFileSize caps files eligible for editing; overridable via the
// CODEPUNK_MAX_FILE_SIZE environment variable (bytes).
const defaultMaxFileSize = 5 * 1024 * 1024

// binaryProbeSize is how many leading bytes are scanned for NUL.
const binaryProbeSize = 1024

// WriteFileRequest creates or overwrites a file.
type WriteFileRequest struct {
	FilePath        string
	Content         string
	RequireApproval bool
}

// ReplaceRequest performs a literal string replacement in an existing file.
type ReplaceRequest struct {
	FilePath        string
	OldString       string
	NewString       string
	RequireApproval bool
	// ExpectedOccurrences, when > 0, asserts the exact occurrence count.
	ExpectedOccurrences int
}

// EditResult reports a successful edit.
type EditResult struct {
	FilePath string    `json:"filePath"`
	Diff     string    `json:"diff"`
	Stats    DiffStats `json:"stats"`
	// TokenSavings estimates prompt tokens saved by the edit operation
	// versus retransmitting the whole file.
	TokenSavings int  `json:"tokenSavings"`
	Created      bool `json:"created,omitempty"`
}

// Service performs validated, approval-gated, atomic file edits rooted at a
// working directory.
type Service struct {
	root     string
	approver ApprovalService
	maxSize  int64
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxFileSize overrides the file size cap in bytes.
func WithMaxFileSize(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithServiceLogger sets a structured logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates an edit service rooted at root. A nil approver means
// edits that request approval are auto-approved.
func NewService(root string, approver ApprovalService, opts ...ServiceOption) *Service {
	if approver == nil {
		approver = AutoApprover{}
	}
	s := &Service{
		root:     root,
		approver: approver,
		maxSize:  maxFileSizeFromEnv(),
		logger:   codepunk.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func maxFileSizeFromEnv() int64 {
	if v := os.Getenv("CODEPUNK_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxFileSize
}

// WriteFile creates or overwrites a file with the given content. Existing
// content is diffed against the proposal; with RequireApproval and a
// non-empty diff, the approval service is consulted first.
func (s *Service) WriteFile(ctx context.Context, req WriteFileRequest) (*EditResult, error) {
	abs, rel, err := s.resolve(req.FilePath)
	if err != nil {
		return nil, err
	}

	original := ""
	created := true
	if data, rerr := os.ReadFile(abs); rerr == nil {
		if verr := s.validateExisting(rel, data); verr != nil {
			return nil, verr
		}
		original = NormalizeEOL(string(data))
		created = false
	} else if !errors.Is(rerr, os.ErrNotExist) {
		return nil, &EditError{Code: WriteFailed, Path: rel, Message: "read failed", Err: rerr}
	}

	proposed := NormalizeEOL(req.Content)
	diff := CreateUnifiedDiff(rel, original, proposed)
	if diff == "" && !created {
		return nil, &EditError{Code: NoChange, Path: rel, Message: "content is identical"}
	}

	final := proposed
	if req.RequireApproval && diff != "" {
		dec, aerr := s.approver.RequestApproval(ctx, FileEditRequest{
			FilePath: rel,
			Original: original,
			Proposed: proposed,
			Diff:     diff,
			Stats:    ComputeStats(original, proposed, proposed),
		})
		if aerr != nil {
			return nil, &EditError{Code: WriteFailed, Path: rel, Message: "approval failed", Err: aerr}
		}
		if !dec.Approved {
			return nil, &EditError{Code: UserCancelled, Path: rel, Message: "edit rejected"}
		}
		if dec.ModifiedContent != "" {
			final = NormalizeEOL(dec.ModifiedContent)
			diff = CreateUnifiedDiff(rel, original, final)
		}
	}

	if err := atomicWrite(abs, []byte(final)); err != nil {
		return nil, &EditError{Code: WriteFailed, Path: rel, Message: "write failed", Err: err}
	}
	s.logger.Debug("file written", "path", rel, "created", created, "bytes", len(final))

	return &EditResult{
		FilePath:     rel,
		Diff:         diff,
		Stats:        ComputeStats(original, proposed, final),
		TokenSavings: tokenSavings(len(original), len(final), len(diff)),
		Created:      created,
	}, nil
}

// ReplaceInFile replaces literal occurrences of OldString with NewString.
func (s *Service) ReplaceInFile(ctx context.Context, req ReplaceRequest) (*EditResult, error) {
	abs, rel, err := s.resolve(req.FilePath)
	if err != nil {
		return nil, err
	}
	if req.OldString == "" {
		return nil, &EditError{Code: InvalidPath, Path: rel, Message: "old string is empty"}
	}

	data, rerr := os.ReadFile(abs)
	if errors.Is(rerr, os.ErrNotExist) {
		return nil, &EditError{Code: FileNotFound, Path: rel, Message: "file does not exist"}
	}
	if rerr != nil {
		return nil, &EditError{Code: WriteFailed, Path: rel, Message: "read failed", Err: rerr}
	}
	if verr := s.validateExisting(rel, data); verr != nil {
		return nil, verr
	}

	original := NormalizeEOL(string(data))
	oldStr := NormalizeEOL(req.OldString)
	newStr := NormalizeEOL(req.NewString)

	count := strings.Count(original, oldStr)
	if count == 0 {
		return nil, &EditError{Code: NoOccurrence, Path: rel, Message: "old string not found"}
	}
	if req.ExpectedOccurrences > 0 && count != req.ExpectedOccurrences {
		return nil, &EditError{
			Code: OccurrenceMismatch, Path: rel,
			Message: fmt.Sprintf("expected %d occurrences, found %d", req.ExpectedOccurrences, count),
		}
	}

	proposed := strings.ReplaceAll(original, oldStr, newStr)
	if proposed == original {
		return nil, &EditError{Code: NoChange, Path: rel, Message: "replacement yields identical content"}
	}

	diff := CreateUnifiedDiff(rel, original, proposed)
	final := proposed
	if req.RequireApproval {
		dec, aerr := s.approver.RequestApproval(ctx, FileEditRequest{
			FilePath: rel,
			Original: original,
			Proposed: proposed,
			Diff:     diff,
			Stats:    ComputeStats(original, proposed, proposed),
		})
		if aerr != nil {
			return nil, &EditError{Code: WriteFailed, Path: rel, Message: "approval failed", Err: aerr}
		}
		if !dec.Approved {
			return nil, &EditError{Code: UserCancelled, Path: rel, Message: "edit rejected"}
		}
		if dec.ModifiedContent != "" {
			final = NormalizeEOL(dec.ModifiedContent)
			diff = CreateUnifiedDiff(rel, original, final)
		}
	}

	if err := atomicWrite(abs, []byte(final)); err != nil {
		return nil, &EditError{Code: WriteFailed, Path: rel, Message: "write failed", Err: err}
	}
	s.logger.Debug("replacement applied", "path", rel, "occurrences", count)

	return &EditResult{
		FilePath:     rel,
		Diff:         diff,
		Stats:        ComputeStats(original, proposed, final),
		TokenSavings: tokenSavings(len(original), len(final), len(oldStr)+len(newStr)),
	}, nil
}

// resolve validates p and returns its absolute and root-relative forms. The
// path must stay within the service root; the comparison is
// case-insensitive on Windows and macOS.
func (s *Service) resolve(p string) (abs, rel string, err error) {
	if strings.TrimSpace(p) == "" {
		return "", "", &EditError{Code: InvalidPath, Message: "path is empty"}
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", "", &EditError{Code: InvalidPath, Path: p, Message: "root not resolvable", Err: err}
	}
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(rootAbs, p))
	}

	rel, err = filepath.Rel(rootAbs, abs)
	if err != nil || pathEscapes(rel) {
		return "", "", &EditError{Code: PathOutOfRoot, Path: p, Message: "path resolves outside the working directory"}
	}
	if !caseSensitiveFS() {
		cmpRel, cerr := filepath.Rel(strings.ToLower(rootAbs), strings.ToLower(abs))
		if cerr != nil || pathEscapes(cmpRel) {
			return "", "", &EditError{Code: PathOutOfRoot, Path: p, Message: "path resolves outside the working directory"}
		}
	}
	return abs, filepath.ToSlash(rel), nil
}

func pathEscapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func caseSensitiveFS() bool {
	return runtime.GOOS != "windows" && runtime.GOOS != "darwin"
}

// validateExisting enforces the size cap and binary detection on a file
// about to be edited.
func (s *Service) validateExisting(rel string, data []byte) error {
	if int64(len(data)) > s.maxSize {
		return &EditError{
			Code: FileTooLarge, Path: rel,
			Message: fmt.Sprintf("file is %d bytes, limit is %d", len(data), s.maxSize),
		}
	}
	probe := data
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return &EditError{Code: BinaryFile, Path: rel, Message: "file appears to be binary"}
	}
	return nil
}

// atomicWrite writes data to a sibling temp file and renames it over path.
// The temp file is removed on any failure.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".codepunk-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// tokenSavings estimates prompt tokens saved by transmitting the operation
// instead of both file versions, at roughly four characters per token.
func tokenSavings(origLen, newLen, opCost int) int {
	saved := (origLen+newLen)/4 - opCost/4
	if saved < 0 {
		return 0
	}
	return saved
}
