package documents

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

const (
	sniffBytes = 64 * 1024
	sampleRows = 5
)

// Profile summarizes a tabular file.
type Profile struct {
	Encoding      string              `json:"encoding"`
	Columns       []string            `json:"columns"`
	Rows          int                 `json:"rows"`
	MissingCounts map[string]int      `json:"missing_counts"`
	SampleRows    []map[string]string `json:"sample_rows"`
}

// csvSource is a CSV reader over a file decoded to UTF-8.
type csvSource struct {
	file     *os.File
	reader   *csv.Reader
	encoding string
}

func openCSV(path string) (*csvSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, sniffBytes)
	head, err := br.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	enc, name := detectEncoding(head)

	var src io.Reader = br
	if enc != nil {
		src = transform.NewReader(br, enc.NewDecoder())
	}
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return &csvSource{file: f, reader: reader, encoding: name}, nil
}

// header reads and cleans the header row.
func (c *csvSource) header() ([]string, error) {
	header, err := c.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return header, nil
}

func (c *csvSource) Close() error { return c.file.Close() }

// ProfileCSV reads a CSV file, detecting its character encoding, and writes
// a UTF-8 copy to normalized when it is non-empty.
func ProfileCSV(path, normalized string) (*Profile, error) {
	src, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	reader := src.reader

	var writer *csv.Writer
	if normalized != "" {
		out, err := os.Create(normalized)
		if err != nil {
			return nil, fmt.Errorf("create normalized copy: %w", err)
		}
		defer out.Close()
		writer = csv.NewWriter(out)
	}

	header, err := src.header()
	if err != nil {
		return nil, err
	}
	if writer != nil {
		if err := writer.Write(header); err != nil {
			return nil, err
		}
	}

	profile := &Profile{
		Encoding:      src.encoding,
		Columns:       header,
		MissingCounts: make(map[string]int, len(header)),
	}
	for _, col := range header {
		profile.MissingCounts[col] = 0
	}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", profile.Rows+2, err)
		}
		profile.Rows++
		var sample map[string]string
		if len(profile.SampleRows) < sampleRows {
			sample = make(map[string]string, len(header))
		}
		for i, col := range header {
			value := ""
			if i < len(record) {
				value = strings.TrimSpace(record[i])
			}
			if value == "" {
				profile.MissingCounts[col]++
			}
			if sample != nil {
				sample[col] = value
			}
		}
		if sample != nil {
			profile.SampleRows = append(profile.SampleRows, sample)
		}
		if writer != nil {
			if err := writer.Write(record); err != nil {
				return nil, err
			}
		}
	}
	if writer != nil {
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, fmt.Errorf("write normalized copy: %w", err)
		}
	}
	return profile, nil
}

// Preview is the head of a tabular file with a coarse type per column.
type Preview struct {
	Encoding string              `json:"encoding"`
	Columns  []string            `json:"columns"`
	Rows     []map[string]string `json:"rows"`
	Types    map[string]string   `json:"types"`
}

// Column types reported by PreviewCSV.
const (
	TypeEmpty   = "empty"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeText    = "text"
)

// PreviewCSV returns the header and up to limit data rows of a CSV file.
// Column types are inferred from the returned rows only.
func PreviewCSV(path string, limit int) (*Preview, error) {
	if limit <= 0 {
		limit = DefaultPreviewRows
	}
	src, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	header, err := src.header()
	if err != nil {
		return nil, err
	}
	preview := &Preview{
		Encoding: src.encoding,
		Columns:  header,
		Rows:     make([]map[string]string, 0, limit),
		Types:    make(map[string]string, len(header)),
	}
	for len(preview.Rows) < limit {
		record, err := src.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(preview.Rows)+2, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			} else {
				row[col] = ""
			}
		}
		preview.Rows = append(preview.Rows, row)
	}
	for _, col := range header {
		preview.Types[col] = inferType(preview.Rows, col)
	}
	return preview, nil
}

// DefaultPreviewRows is used when no row count is requested.
const DefaultPreviewRows = 10

// inferType picks the narrowest type every non-empty value satisfies.
func inferType(rows []map[string]string, col string) string {
	kind := TypeEmpty
	for _, row := range rows {
		value := row[col]
		if value == "" {
			continue
		}
		kind = widen(kind, valueType(value))
		if kind == TypeText {
			return kind
		}
	}
	return kind
}

func valueType(value string) string {
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return TypeInteger
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return TypeNumber
	}
	if _, err := strconv.ParseBool(value); err == nil {
		return TypeBoolean
	}
	return TypeText
}

func widen(current, next string) string {
	switch {
	case current == TypeEmpty || current == next:
		return next
	case current == TypeInteger && next == TypeNumber, current == TypeNumber && next == TypeInteger:
		return TypeNumber
	default:
		return TypeText
	}
}

// singleByteCharsets are the detector results accepted for survey exports.
// Multi-byte guesses on short samples are unreliable and fall back to
// Windows-1252.
var singleByteCharsets = map[string]bool{
	"ISO-8859-1": true, "ISO-8859-2": true, "ISO-8859-5": true, "ISO-8859-7": true,
	"ISO-8859-9": true, "windows-1250": true, "windows-1251": true, "windows-1252": true,
	"windows-1253": true, "windows-1254": true, "KOI8-R": true,
}

const minConfidence = 40

// detectEncoding returns nil for UTF-8 input. Anything else is decoded with
// the detected charset, or Windows-1252 when detection is inconclusive.
func detectEncoding(head []byte) (encoding.Encoding, string) {
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	if utf8.Valid(trimPartialRune(head)) {
		return nil, "UTF-8"
	}
	results, err := chardet.NewTextDetector().DetectAll(head)
	if err == nil {
		for _, result := range results {
			if result.Confidence < minConfidence || !singleByteCharsets[result.Charset] {
				continue
			}
			if enc, err := ianaindex.IANA.Encoding(result.Charset); err == nil && enc != nil {
				return enc, result.Charset
			}
		}
	}
	return charmap.Windows1252, "windows-1252"
}

// trimPartialRune drops a multi-byte sequence cut off by the sniff window.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}
