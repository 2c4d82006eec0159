package service

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// Path template tokens understood by the exporter. Any other token is a literal segment.
const (
	TokenTaskID           = "taskid"
	TokenUsername         = "username"
	TokenGroup            = "group"
	TokenAudience         = "audience"
	TokenSubmissionID     = "submissionid"
	TokenSubmissionDateID = "submissiondateid"
)

const (
	submissionMetadataFile = "submission.yaml"
	uploadedFilesDir       = "uploaded_files"
	outputArchiveDir       = "archive"
)

var doubleExtensions = []string{".tar.gz", ".tar.bz2", ".tar.bz", ".tar.xz"}

// ErrUnsafeArchivePath marks an entry that would land outside its submission directory.
var ErrUnsafeArchivePath = errors.New("archive entry escapes its submission directory")

// ExportOptions tunes the archive layout.
type ExportOptions struct {
	// Simplify places uploaded files directly in the submission directory.
	Simplify bool
}

// ArchiveEntryError reports a submission left out of an export.
type ArchiveEntryError struct {
	SubmissionID string
	Err          error
}

func (e ArchiveEntryError) Error() string {
	return fmt.Sprintf("submission %s: %v", e.SubmissionID, e.Err)
}

func (e ArchiveEntryError) Unwrap() error {
	return e.Err
}

// ArchiveExporter writes submission sets as a single gzip-compressed tar stream.
type ArchiveExporter interface {
	Export(ctx context.Context, w io.Writer, submissions []models.Submission, template []string, opts ExportOptions) ([]ArchiveEntryError, error)
}

type archiveExporter struct {
	blobs       BlobStore
	memberships repository.CourseMembershipRepository
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewArchiveExporter constructs the exporter.
func NewArchiveExporter(blobs BlobStore, memberships repository.CourseMembershipRepository, logger zerolog.Logger) ArchiveExporter {
	return &archiveExporter{
		blobs:       blobs,
		memberships: memberships,
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/archive"),
		logger:      logger.With().Str("component", "archive_exporter").Logger(),
	}
}

type archiveFile struct {
	header tar.Header
	data   []byte
}

type renderedSubmission struct {
	metadata []byte
	uploads  []archiveFile
	output   []archiveFile
}

func (e *archiveExporter) Export(ctx context.Context, w io.Writer, submissions []models.Submission, template []string, opts ExportOptions) ([]ArchiveEntryError, error) {
	ctx, span := e.tracer.Start(ctx, "archive.export")
	span.SetAttributes(
		attribute.Int("export.submissions", len(submissions)),
		attribute.StringSlice("export.template", template),
	)
	defer span.End()

	if len(template) == 0 {
		template = []string{TokenSubmissionID}
	}

	audiences, err := e.loadAudiences(ctx, submissions, template)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	destinations := assignDestinations(submissions, template, audiences)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var failures []ArchiveEntryError
	for i, submission := range submissions {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		if len(destinations[i]) == 0 {
			continue
		}

		rendered, err := e.render(ctx, submission, opts)
		if err == nil {
			err = checkContained(destinations[i], rendered)
		}
		if err != nil {
			observability.ArchiveEntryFailures().Inc()
			e.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("skipping submission in export")
			failures = append(failures, ArchiveEntryError{SubmissionID: submission.ID, Err: err})
			continue
		}

		for _, base := range destinations[i] {
			if err := writeRendered(tw, base, submission.SubmittedOn, rendered); err != nil {
				span.RecordError(err)
				return failures, fmt.Errorf("write archive: %w", err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return failures, fmt.Errorf("close archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return failures, fmt.Errorf("close archive: %w", err)
	}

	span.SetAttributes(attribute.Int("export.failures", len(failures)))
	e.logger.Info().
		Int("submissions", len(submissions)).
		Int("failures", len(failures)).
		Msg("submission archive exported")

	return failures, nil
}

func (e *archiveExporter) loadAudiences(ctx context.Context, submissions []models.Submission, template []string) (map[string]map[string][]models.Audience, error) {
	needed := false
	for _, token := range template {
		if token == TokenAudience {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	byCourse := make(map[string]map[string][]models.Audience)
	for _, submission := range submissions {
		if _, ok := byCourse[submission.CourseID]; ok {
			continue
		}
		audiences, err := e.memberships.AudiencesByStudent(ctx, submission.CourseID)
		if err != nil {
			return nil, fmt.Errorf("load course audiences: %w", err)
		}
		byCourse[submission.CourseID] = audiences
	}
	return byCourse, nil
}

// assignDestinations computes every directory of every submission, suffixing collisions in input order.
func assignDestinations(submissions []models.Submission, template []string, audiences map[string]map[string][]models.Audience) [][]string {
	taken := make(map[string]struct{})
	destinations := make([][]string, len(submissions))

	for i, submission := range submissions {
		for _, base := range expandPaths(submission, template, audiences[submission.CourseID]) {
			candidate := base
			for n := 1; ; n++ {
				if _, ok := taken[candidate]; !ok {
					break
				}
				candidate = base + "-" + strconv.Itoa(n)
			}
			taken[candidate] = struct{}{}
			destinations[i] = append(destinations[i], candidate)
		}
	}
	return destinations
}

// expandPaths consumes the template one token at a time, widening the set of partial paths on fan-out tokens.
func expandPaths(submission models.Submission, template []string, audiences map[string][]models.Audience) []string {
	partials := [][]string{{}}
	for _, token := range template {
		segments := pathSegments(submission, token, audiences)
		next := make([][]string, 0, len(partials)*len(segments))
		for _, partial := range partials {
			for _, segment := range segments {
				segment = safeSegment(segment)
				extended := make([]string, len(partial), len(partial)+1)
				copy(extended, partial)
				next = append(next, append(extended, segment))
			}
		}
		partials = next
	}

	seen := make(map[string]struct{}, len(partials))
	paths := make([]string, 0, len(partials))
	for _, partial := range partials {
		joined := strings.Join(partial, "/")
		if _, ok := seen[joined]; ok {
			continue
		}
		seen[joined] = struct{}{}
		paths = append(paths, joined)
	}
	return paths
}

func pathSegments(submission models.Submission, token string, audiences map[string][]models.Audience) []string {
	usernames := submission.Usernames()
	switch token {
	case TokenTaskID:
		return []string{submission.TaskID}
	case TokenUsername:
		return usernames
	case TokenGroup:
		return []string{groupSegment(usernames)}
	case TokenAudience:
		segments := make([]string, 0, len(usernames))
		for _, username := range usernames {
			memberOf, ok := audiences[username]
			if !ok || len(memberOf) == 0 {
				segments = append(segments, groupSegment(usernames))
				continue
			}
			for _, audience := range memberOf {
				segments = append(segments, audienceSegment(audience))
			}
		}
		return segments
	case TokenSubmissionID:
		return []string{submission.ID}
	case TokenSubmissionDateID:
		return []string{submission.SubmittedOn.Format(time.RFC3339)}
	default:
		return []string{token}
	}
}

// safeSegment turns a token value into a single directory name.
func safeSegment(segment string) string {
	segment = strings.TrimSpace(strings.NewReplacer("/", "_", "\\", "_").Replace(segment))
	switch segment {
	case "":
		return "_"
	case ".", "..":
		return strings.Repeat("_", len(segment))
	}
	return segment
}

// checkContained verifies that every entry of the rendered submission stays under each destination.
func checkContained(destinations []string, rendered renderedSubmission) error {
	for _, base := range destinations {
		prefix := base + "/"
		for _, group := range [][]archiveFile{rendered.uploads, rendered.output} {
			for _, file := range group {
				if name := entryName(base, file.header.Name); !strings.HasPrefix(name, prefix) {
					return fmt.Errorf("%w: %q", ErrUnsafeArchivePath, file.header.Name)
				}
				if file.header.Typeflag == tar.TypeLink {
					if link := entryName(base, file.header.Linkname); !strings.HasPrefix(link, prefix) {
						return fmt.Errorf("%w: link %q", ErrUnsafeArchivePath, file.header.Linkname)
					}
				}
			}
		}
	}
	return nil
}

func entryName(base, name string) string {
	return path.Join(base, name)
}

func groupSegment(usernames []string) string {
	sorted := append([]string(nil), usernames...)
	sort.Strings(sorted)
	return strings.Join(sorted, "-")
}

func audienceSegment(audience models.Audience) string {
	return strings.ReplaceAll(fmt.Sprintf("%s (%d)", audience.Description, audience.ID), " ", "_")
}

func (e *archiveExporter) render(ctx context.Context, submission models.Submission, opts ExportOptions) (renderedSubmission, error) {
	var input models.InputData
	if submission.InputBlobID != "" {
		raw, err := e.blobs.Get(ctx, submission.InputBlobID)
		if err != nil {
			return renderedSubmission{}, fmt.Errorf("load input: %w", err)
		}
		input, err = models.DecodeInput(raw)
		if err != nil {
			return renderedSubmission{}, err
		}
	}

	metadata, err := yaml.Marshal(newSubmissionDocument(submission, input))
	if err != nil {
		return renderedSubmission{}, fmt.Errorf("encode submission metadata: %w", err)
	}

	files, err := input.Files()
	if err != nil {
		return renderedSubmission{}, err
	}
	uploads := make([]archiveFile, 0, len(files))
	for _, file := range files {
		if !safeUploadName(file.ProblemID) {
			return renderedSubmission{}, fmt.Errorf("%w: problem %q", ErrUnsafeArchivePath, file.ProblemID)
		}
		name := file.ProblemID + uploadExtension(file.Filename, file.Value)
		if !safeUploadName(name) {
			return renderedSubmission{}, fmt.Errorf("%w: upload %q", ErrUnsafeArchivePath, name)
		}
		if !opts.Simplify || name == submissionMetadataFile {
			name = path.Join(uploadedFilesDir, name)
		}
		uploads = append(uploads, archiveFile{
			header: tar.Header{Name: name, Mode: 0o644, Size: int64(len(file.Value)), Typeflag: tar.TypeReg},
			data:   file.Value,
		})
	}

	var output []archiveFile
	if submission.ArchiveBlobID != nil && *submission.ArchiveBlobID != "" {
		raw, err := e.blobs.Get(ctx, *submission.ArchiveBlobID)
		if err != nil {
			return renderedSubmission{}, fmt.Errorf("load output archive: %w", err)
		}
		output, err = readOutputArchive(raw)
		if err != nil {
			return renderedSubmission{}, err
		}
	}

	return renderedSubmission{metadata: metadata, uploads: uploads, output: output}, nil
}

// readOutputArchive unpacks a gzip tar produced by the grading environment.
func readOutputArchive(raw []byte) ([]archiveFile, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open output archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var files []archiveFile
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read output archive: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(header.Name, "/"))
		if name == "." || escapesRoot(name) {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read output archive entry %q: %w", header.Name, err)
		}

		entry := *header
		entry.Name = path.Join(outputArchiveDir, name)
		switch header.Typeflag {
		case tar.TypeLink:
			target := path.Clean(strings.TrimPrefix(header.Linkname, "/"))
			if escapesRoot(target) {
				continue
			}
			entry.Linkname = path.Join(outputArchiveDir, target)
		case tar.TypeSymlink:
			if path.IsAbs(header.Linkname) || escapesRoot(path.Join(path.Dir(name), header.Linkname)) {
				continue
			}
		}
		files = append(files, archiveFile{header: entry, data: data})
	}
	return files, nil
}

func writeRendered(tw *tar.Writer, base string, modTime time.Time, rendered renderedSubmission) error {
	metadata := archiveFile{
		header: tar.Header{Name: submissionMetadataFile, Mode: 0o644, Size: int64(len(rendered.metadata)), Typeflag: tar.TypeReg},
		data:   rendered.metadata,
	}
	if err := writeEntry(tw, base, modTime, metadata); err != nil {
		return err
	}
	for _, file := range rendered.output {
		if err := writeEntry(tw, base, file.header.ModTime, file); err != nil {
			return err
		}
	}
	for _, file := range rendered.uploads {
		if err := writeEntry(tw, base, modTime, file); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, base string, modTime time.Time, file archiveFile) error {
	header := file.header
	header.Name = entryName(base, header.Name)
	if header.Typeflag == tar.TypeLink {
		header.Linkname = entryName(base, header.Linkname)
	}
	if header.Typeflag == tar.TypeDir {
		header.Name += "/"
	}
	header.ModTime = modTime
	if err := tw.WriteHeader(&header); err != nil {
		return err
	}
	if len(file.data) == 0 {
		return nil
	}
	_, err := tw.Write(file.data)
	return err
}

func escapesRoot(cleaned string) bool {
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}

// safeUploadName accepts a single path element that is not "." or "..".
func safeUploadName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// uploadExtension keeps known double extensions and falls back to content sniffing when the name has none.
func uploadExtension(filename string, content []byte) string {
	lower := strings.ToLower(filename)
	for _, ext := range doubleExtensions {
		if strings.HasSuffix(lower, ext) {
			return filename[len(filename)-len(ext):]
		}
	}
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	if len(content) == 0 {
		return ""
	}
	return mimetype.Detect(content).Extension()
}

type submissionDocument struct {
	ID          string                          `yaml:"id"`
	CourseID    string                          `yaml:"courseid"`
	TaskID      string                          `yaml:"taskid"`
	Usernames   []string                        `yaml:"username"`
	Status      string                          `yaml:"status"`
	SubmittedOn time.Time                       `yaml:"submitted_on"`
	LastReplay  *time.Time                      `yaml:"last_replay,omitempty"`
	Result      string                          `yaml:"result,omitempty"`
	Grade       float64                         `yaml:"grade"`
	Text        string                          `yaml:"text,omitempty"`
	Problems    map[string]models.ProblemResult `yaml:"problems,omitempty"`
	Tests       map[string]interface{}          `yaml:"tests,omitempty"`
	Custom      map[string]interface{}          `yaml:"custom,omitempty"`
	State       string                          `yaml:"state,omitempty"`
	Stdout      string                          `yaml:"stdout,omitempty"`
	Stderr      string                          `yaml:"stderr,omitempty"`
	UserIP      string                          `yaml:"user_ip,omitempty"`
	Input       map[string]interface{}          `yaml:"input,omitempty"`
}

func newSubmissionDocument(submission models.Submission, input models.InputData) submissionDocument {
	doc := submissionDocument{
		ID:          submission.ID,
		CourseID:    submission.CourseID,
		TaskID:      submission.TaskID,
		Usernames:   submission.Usernames(),
		Status:      submission.Status,
		SubmittedOn: submission.SubmittedOn.UTC(),
		Result:      submission.Result,
		Grade:       submission.Grade,
		Text:        submission.Text,
		Problems:    submission.Problems.Data(),
		Tests:       submission.Tests,
		Custom:      submission.Custom,
		State:       submission.State,
		Stdout:      submission.Stdout,
		Stderr:      submission.Stderr,
		UserIP:      submission.UserIP,
	}
	if submission.LastReplay != nil {
		replayed := submission.LastReplay.UTC()
		doc.LastReplay = &replayed
	}

	if len(input) > 0 {
		doc.Input = make(map[string]interface{}, len(input))
		for key, value := range input {
			if entry, ok := value.(map[string]interface{}); ok {
				if filename, ok := entry["filename"].(string); ok {
					doc.Input[key] = map[string]interface{}{"filename": filename}
					continue
				}
			}
			doc.Input[key] = value
		}
	}
	return doc
}
