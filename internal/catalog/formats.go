package catalog

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"
)

type cellKind uint8

const (
	kindNull cellKind = iota
	kindUntyped
	kindNumber
	kindBool
	kindText
)

// cell is one parsed value before type inference. Delimited files yield
// untyped cells; JSON yields typed ones.
type cell struct {
	kind cellKind
	raw  string
}

// record is one input row as parallel name/value slices.
type record struct {
	names []string
	cells []cell
}

// recordReader streams records from one input file. Next returns io.EOF
// after the last record.
type recordReader interface {
	Next() (record, error)
	Close() error
}

type format int

const (
	formatCSV format = iota
	formatTSV
	formatText
	formatJSON
	formatGeoJSON
)

// detectFormat maps a file name to its format and compression suffix.
func detectFormat(path string) (format, string, error) {
	name := strings.ToLower(filepath.Base(path))
	compression := ""
	switch ext := filepath.Ext(name); ext {
	case ".gz", ".sz":
		compression = ext
		name = strings.TrimSuffix(name, ext)
	}

	switch ext := filepath.Ext(name); ext {
	case ".csv":
		return formatCSV, compression, nil
	case ".tsv", ".tab":
		return formatTSV, compression, nil
	case ".txt":
		return formatText, compression, nil
	case ".json", ".ndjson", ".jsonl":
		return formatJSON, compression, nil
	case ".geojson":
		return formatGeoJSON, compression, nil
	default:
		return 0, "", fmt.Errorf("unsupported file type %q", ext)
	}
}

// openRecords opens path and returns a reader for its format.
func openRecords(path string) (recordReader, error) {
	f, compression, err := detectFormat(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	closers := []io.Closer{file}
	var src io.Reader = file
	switch compression {
	case ".gz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		closers = append(closers, gz)
		src = gz
	case ".sz":
		src = snappy.NewReader(file)
	}
	br := bufio.NewReaderSize(src, 64*1024)
	skipBOM(br)

	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	var rr recordReader
	switch f {
	case formatCSV:
		rr, err = newDelimitedReader(br, ',', closeAll)
	case formatTSV:
		rr, err = newDelimitedReader(br, '\t', closeAll)
	case formatText:
		rr, err = newDelimitedReader(br, sniffDelimiter(br), closeAll)
	case formatJSON:
		rr, err = newJSONReader(br, closeAll)
	case formatGeoJSON:
		rr, err = newGeoJSONReader(br, closeAll)
	}
	if err != nil {
		closeAll()
		return nil, err
	}
	return rr, nil
}

func skipBOM(br *bufio.Reader) {
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		br.Discard(3)
	}
}

// sniffDelimiter picks the most frequent candidate delimiter in the first line.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(br.Size())
	line := string(peek)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	best, bestCount := ',', 0
	for _, d := range []rune{',', '\t', ';', '|'} {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// delimitedReader reads CSV-like files with a header row.
type delimitedReader struct {
	r      *csv.Reader
	names  *nameSet
	header []string
	close  func() error
}

func newDelimitedReader(src io.Reader, delim rune, closeFn func() error) (*delimitedReader, error) {
	r := csv.NewReader(src)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("file is empty")
	}
	if err != nil {
		return nil, err
	}

	names := newNameSet()
	return &delimitedReader{r: r, names: names, header: headerNames(names, header), close: closeFn}, nil
}

func (d *delimitedReader) Next() (record, error) {
	for {
		fields, err := d.r.Read()
		if err != nil {
			return record{}, err
		}
		if isBlankRow(fields) {
			continue
		}

		rec := record{names: d.header, cells: make([]cell, len(fields))}
		if len(fields) > len(d.header) {
			rec.names = make([]string, len(fields))
			copy(rec.names, d.header)
			for i := len(d.header); i < len(fields); i++ {
				rec.names[i] = d.names.assign(positionKey(i), fmt.Sprintf("column_%d", i+1))
			}
		}
		for i, f := range fields {
			if f == "" {
				rec.cells[i] = cell{kind: kindNull}
			} else {
				rec.cells[i] = cell{kind: kindUntyped, raw: f}
			}
		}
		return rec, nil
	}
}

func (d *delimitedReader) Close() error { return d.close() }

func isBlankRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// nameSet assigns column names that are unique case-insensitively, since
// the engine compares column names that way. A source key always maps to
// the name it was first given, so every row of a file lands in the same
// columns.
type nameSet struct {
	byKey map[string]string
	taken map[string]bool
}

func newNameSet() *nameSet {
	return &nameSet{byKey: make(map[string]string), taken: make(map[string]bool)}
}

// assign returns the column name for key, deriving a new one from name on
// first sight. Empty names become column_N.
func (n *nameSet) assign(key, name string) string {
	if got, ok := n.byKey[key]; ok {
		return got
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("column_%d", len(n.byKey)+1)
	}
	candidate := name
	for i := 2; n.taken[strings.ToLower(candidate)]; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	n.taken[strings.ToLower(candidate)] = true
	n.byKey[key] = candidate
	return candidate
}

// rename maps every key of rec to its assigned name.
func (n *nameSet) rename(rec record) record {
	names := make([]string, len(rec.names))
	for i, key := range rec.names {
		names[i] = n.assign(key, key)
	}
	rec.names = names
	return rec
}

// positionKey keys delimited columns by position rather than header text.
func positionKey(i int) string {
	return "#" + strconv.Itoa(i)
}

// headerNames fills empty header names and suffixes duplicates.
func headerNames(set *nameSet, header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = set.assign(positionKey(i), name)
	}
	return out
}

// jsonReader reads either a top-level array of objects or a stream of
// objects (one document, or newline-delimited).
type jsonReader struct {
	dec     *json.Decoder
	inArray bool
	names   *nameSet
	close   func() error
}

func newJSONReader(br *bufio.Reader, closeFn func() error) (*jsonReader, error) {
	dec := json.NewDecoder(br)
	dec.UseNumber()

	jr := &jsonReader{dec: dec, names: newNameSet(), close: closeFn}
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("file is empty")
	}
	switch first {
	case '[':
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		jr.inArray = true
	case '{':
	default:
		return nil, fmt.Errorf("expected a JSON array or object, found %q", first)
	}
	return jr, nil
}

func (j *jsonReader) Next() (record, error) {
	if j.inArray && !j.dec.More() {
		return record{}, io.EOF
	}
	rec, err := decodeObject(j.dec)
	if err != nil {
		return record{}, err
	}
	return j.names.rename(rec), nil
}

func (j *jsonReader) Close() error { return j.close() }

// geometryKey is the name-set key of the feature geometry column.
const geometryKey = "\x00geometry"

// geoJSONReader yields one record per feature of a FeatureCollection: the
// feature's properties plus its geometry as JSON text.
type geoJSONReader struct {
	dec   *json.Decoder
	names *nameSet
	close func() error
}

func newGeoJSONReader(br *bufio.Reader, closeFn func() error) (*geoJSONReader, error) {
	dec := json.NewDecoder(br)
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if key, _ := tok.(string); key == "features" {
			if err := expectDelim(dec, '['); err != nil {
				return nil, err
			}
			return &geoJSONReader{dec: dec, names: newNameSet(), close: closeFn}, nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no features array in GeoJSON document")
}

func (g *geoJSONReader) Next() (record, error) {
	if !g.dec.More() {
		return record{}, io.EOF
	}

	var feature struct {
		Properties json.RawMessage `json:"properties"`
		Geometry   json.RawMessage `json:"geometry"`
	}
	if err := g.dec.Decode(&feature); err != nil {
		return record{}, err
	}

	rec := record{}
	if len(feature.Properties) > 0 && string(feature.Properties) != "null" {
		pdec := json.NewDecoder(strings.NewReader(string(feature.Properties)))
		pdec.UseNumber()
		props, err := decodeObject(pdec)
		if err != nil {
			return record{}, err
		}
		rec = g.names.rename(props)
	}
	geom := cell{kind: kindNull}
	if len(feature.Geometry) > 0 && string(feature.Geometry) != "null" {
		geom = cell{kind: kindText, raw: string(feature.Geometry)}
	}
	// The geometry key cannot clash with a property key, so a property
	// named geometry keeps its value and the geometry column is suffixed.
	rec.names = append(rec.names, g.names.assign(geometryKey, "geometry"))
	rec.cells = append(rec.cells, geom)
	return rec, nil
}

func (g *geoJSONReader) Close() error { return g.close() }

// decodeObject reads one JSON object, preserving key order.
func decodeObject(dec *json.Decoder) (record, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return record{}, err
	}

	var rec record
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return record{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return record{}, fmt.Errorf("unexpected token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return record{}, err
		}
		c, err := jsonCell(v)
		if err != nil {
			return record{}, err
		}
		rec.names = append(rec.names, key)
		rec.cells = append(rec.cells, c)
	}

	if _, err := dec.Token(); err != nil {
		return record{}, err
	}
	return rec, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, found %v", want, tok)
	}
	return nil
}

func jsonCell(v any) (cell, error) {
	switch x := v.(type) {
	case nil:
		return cell{kind: kindNull}, nil
	case json.Number:
		return cell{kind: kindNumber, raw: x.String()}, nil
	case bool:
		if x {
			return cell{kind: kindBool, raw: "true"}, nil
		}
		return cell{kind: kindBool, raw: "false"}, nil
	case string:
		return cell{kind: kindText, raw: x}, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return cell{}, err
		}
		return cell{kind: kindText, raw: string(b)}, nil
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !isSpace(rune(b[0])) {
			return b[0], nil
		}
		br.Discard(1)
	}
}
