package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// maxFetchBytes caps how much of a remote page or uploaded file is read.
const maxFetchBytes = 10 << 20

// Extractor turns an ingestion event into raw text. URL sources are fetched
// over HTTP and stripped to readable text; file sources are looked up in the
// blob directory and dispatched by extension; manual sources carry their
// content inline.
type Extractor struct {
	blobDir string
	client  *http.Client
}

// NewExtractor creates an extractor rooted at blobDir. An empty blobDir
// falls back to <CALMDESK_DATA_DIR>/blobs, then ~/.calmdesk/blobs.
func NewExtractor(blobDir string) *Extractor {
	if blobDir == "" {
		if dataDir := os.Getenv("CALMDESK_DATA_DIR"); dataDir != "" {
			blobDir = filepath.Join(dataDir, "blobs")
		} else if home, err := os.UserHomeDir(); err == nil {
			blobDir = filepath.Join(home, ".calmdesk", "blobs")
		}
	}
	return &Extractor{
		blobDir: blobDir,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BlobDir returns where uploaded files are stored.
func (x *Extractor) BlobDir() string { return x.blobDir }

// Extract returns the source text for the event. Empty text is an error so
// the job fails instead of indexing nothing.
func (x *Extractor) Extract(ctx context.Context, event models.IngestEvent) (string, error) {
	var text string
	var err error

	switch event.Type {
	case models.SourceTypeURL:
		text, err = x.extractURL(ctx, event.URL)
	case models.SourceTypeFile:
		text, err = x.extractFile(event.FileID)
	case models.SourceTypeManual:
		text = event.Content
	default:
		return "", fmt.Errorf("unknown source type: %s", event.Type)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("source %s produced no text", event.SourceID)
	}
	return text, nil
}

func (x *Extractor) extractURL(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("url source has no url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "calmdesk-ingest/1.0")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	return StripHTML(string(body)), nil
}

func (x *Extractor) extractFile(fileID string) (string, error) {
	if fileID == "" {
		return "", fmt.Errorf("file source has no file id")
	}
	// The file id is a stored filename, never a path.
	path := filepath.Join(x.blobDir, filepath.Base(fileID))

	switch strings.ToLower(filepath.Ext(fileID)) {
	case ".pdf":
		return extractPDF(path)
	case ".docx":
		return extractDocx(path)
	case ".xlsx":
		return extractXlsx(path)
	case ".html", ".htm":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read blob: %w", err)
		}
		return StripHTML(string(raw)), nil
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read blob: %w", err)
		}
		return string(raw), nil
	}
}

// ── File formats ────────────────────────────────────────────

func extractPDF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat pdf: %w", err)
	}
	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var sb strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		if strings.TrimSpace(text) != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return sb.String(), nil
}

func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	defer doc.Close()
	// GetContent returns the document XML body; strip the markup.
	return StripHTML(doc.Editable().GetContent()), nil
}

func extractXlsx(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("parse xlsx: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		sb.WriteString(sheet)
		sb.WriteString("\n")
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, " | "))
			if line != "" {
				sb.WriteString(line)
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// ── HTML stripping ──────────────────────────────────────────

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML reduces markup to readable text: script/style bodies dropped,
// tags removed, entities decoded, whitespace collapsed.
func StripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, "\n")

	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	s = replacer.Replace(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
