package pattern

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-offload/internal/moe"
)

// Columnar layout: one row per record. Pattern matrices are flattened
// position-major into (position, layer, slot) order; the header travels in
// the schema metadata.
var recordFields = []arrow.Field{
	{Name: "index", Type: arrow.PrimitiveTypes.Int64},
	{Name: "prompt_text", Type: arrow.BinaryTypes.String},
	{Name: "prompt_token_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "decode_token_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "prompt_pattern", Type: arrow.ListOf(arrow.PrimitiveTypes.Int16)},
	{Name: "decode_pattern", Type: arrow.ListOf(arrow.PrimitiveTypes.Int16)},
}

func schemaFor(h Header) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"version", "run_id", "family", "layers", "experts", "top_k", "max_new_tokens", "created_at"},
		[]string{
			strconv.Itoa(h.Version), h.RunID, h.Family,
			strconv.Itoa(h.Layers), strconv.Itoa(h.Experts), strconv.Itoa(h.TopK),
			strconv.Itoa(h.MaxNewTokens), h.CreatedAt.Format(time.RFC3339Nano),
		},
	)
	return arrow.NewSchema(recordFields, &md)
}

func headerFrom(md arrow.Metadata) (Header, error) {
	get := func(k string) (string, error) {
		i := md.FindKey(k)
		if i < 0 {
			return "", fmt.Errorf("%w: schema metadata missing %q", ErrIncompatible, k)
		}
		return md.Values()[i], nil
	}
	atoi := func(k string) (int, error) {
		s, err := get(k)
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%w: metadata %s=%q", ErrIncompatible, k, s)
		}
		return v, nil
	}

	var h Header
	var err error
	if h.Version, err = atoi("version"); err != nil {
		return h, err
	}
	if h.RunID, err = get("run_id"); err != nil {
		return h, err
	}
	if h.Family, err = get("family"); err != nil {
		return h, err
	}
	if h.Layers, err = atoi("layers"); err != nil {
		return h, err
	}
	if h.Experts, err = atoi("experts"); err != nil {
		return h, err
	}
	if h.TopK, err = atoi("top_k"); err != nil {
		return h, err
	}
	if h.MaxNewTokens, err = atoi("max_new_tokens"); err != nil {
		return h, err
	}
	if ts, err := get("created_at"); err == nil {
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return h, nil
}

// buildRecord converts f into a single Arrow record. The caller releases it.
func buildRecord(mem memory.Allocator, f *File) (arrow.Record, *arrow.Schema) {
	schema := schemaFor(f.Header)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	idx := b.Field(0).(*array.Int64Builder)
	text := b.Field(1).(*array.StringBuilder)
	promptIDs := b.Field(2).(*array.ListBuilder)
	decodeIDs := b.Field(3).(*array.ListBuilder)
	promptPat := b.Field(4).(*array.ListBuilder)
	decodePat := b.Field(5).(*array.ListBuilder)

	appendIDs := func(lb *array.ListBuilder, ids []int) {
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Int32Builder)
		for _, id := range ids {
			vb.Append(int32(id))
		}
	}
	appendPattern := func(lb *array.ListBuilder, m [][][]int) {
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Int16Builder)
		for _, layers := range m {
			for _, slots := range layers {
				for _, e := range slots {
					vb.Append(int16(e))
				}
			}
		}
	}

	for _, k := range f.Indices() {
		r := f.Records[k]
		idx.Append(int64(k))
		text.Append(r.PromptText)
		appendIDs(promptIDs, r.PromptTokenIDs)
		appendIDs(decodeIDs, r.DecodeTokenIDs)
		appendPattern(promptPat, r.PromptPattern)
		appendPattern(decodePat, r.DecodePattern)
	}
	return b.NewRecord(), schema
}

// WriteColumnar writes f as an Arrow IPC file.
func WriteColumnar(w io.Writer, f *File) error {
	mem := memory.NewGoAllocator()
	rec, schema := buildRecord(mem, f)
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return err
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}

// ReadColumnar reads a file written by WriteColumnar.
func ReadColumnar(r ipc.ReadAtSeeker) (*File, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	defer fr.Close()

	h, err := headerFrom(fr.Schema().Metadata())
	if err != nil {
		return nil, err
	}
	f := &File{Header: h, Records: map[int]Record{}}
	width := h.Layers * h.TopK
	if width <= 0 {
		return nil, fmt.Errorf("%w: layers=%d top_k=%d", ErrIncompatible, h.Layers, h.TopK)
	}

	for {
		rec, err := fr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := readRows(rec, h, width, f.Records); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func readRows(rec arrow.Record, h Header, width int, out map[int]Record) error {
	if int(rec.NumCols()) != len(recordFields) {
		return fmt.Errorf("%w: %d columns, want %d", ErrIncompatible, rec.NumCols(), len(recordFields))
	}
	for i, want := range recordFields {
		got := rec.Schema().Field(i)
		if got.Name != want.Name || !arrow.TypeEqual(got.Type, want.Type) {
			return fmt.Errorf("%w: column %d is %s %s, want %s %s", ErrIncompatible, i, got.Name, got.Type, want.Name, want.Type)
		}
	}
	idx, ok1 := rec.Column(0).(*array.Int64)
	text, ok2 := rec.Column(1).(*array.String)
	lists := make([]*array.List, 4)
	okLists := true
	for i := range lists {
		l, ok := rec.Column(i + 2).(*array.List)
		lists[i] = l
		okLists = okLists && ok
	}
	if !ok1 || !ok2 || !okLists {
		return fmt.Errorf("%w: unexpected column types", ErrIncompatible)
	}

	ints := func(l *array.List, row int) []int {
		start, end := l.ValueOffsets(row)
		vals := l.ListValues().(*array.Int32)
		out := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, int(vals.Value(int(j))))
		}
		return out
	}
	matrix := func(l *array.List, row int) (moe.PatternMatrix, error) {
		start, end := l.ValueOffsets(row)
		vals := l.ListValues().(*array.Int16)
		n := int(end - start)
		if n%width != 0 {
			return nil, fmt.Errorf("%w: pattern of %d entries is not a multiple of layers*top_k=%d", ErrIncompatible, n, width)
		}
		m := make(moe.PatternMatrix, 0, n/width)
		for p := int(start); p < int(end); p += width {
			layers := make([][]int, h.Layers)
			for l := range layers {
				slots := make([]int, h.TopK)
				for s := range slots {
					slots[s] = int(vals.Value(p + l*h.TopK + s))
				}
				layers[l] = slots
			}
			m = append(m, layers)
		}
		return m, nil
	}

	for row := 0; row < int(rec.NumRows()); row++ {
		r := Record{
			PromptText:     text.Value(row),
			PromptTokenIDs: ints(lists[0], row),
			DecodeTokenIDs: ints(lists[1], row),
		}
		var err error
		if r.PromptPattern, err = matrix(lists[2], row); err != nil {
			return err
		}
		if r.DecodePattern, err = matrix(lists[3], row); err != nil {
			return err
		}
		out[int(idx.Value(row))] = r
	}
	return nil
}
