package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RecordBatchBuilder converts flat hidden-state buffers into Arrow record
// batches for Flight transport. One output row per token position:
//
//	{ "sequence": int64, "position": int64,
//	  "hidden": fixed_size_list<float32>[hiddenSize] }
type RecordBatchBuilder struct {
	mem        memory.Allocator
	hiddenSize int
	schema     *arrow.Schema
}

func NewRecordBatchBuilder(mem memory.Allocator, hiddenSize int) *RecordBatchBuilder {
	return &RecordBatchBuilder{
		mem:        mem,
		hiddenSize: hiddenSize,
		schema: arrow.NewSchema([]arrow.Field{
			{Name: "sequence", Type: arrow.PrimitiveTypes.Int64},
			{Name: "position", Type: arrow.PrimitiveTypes.Int64},
			{Name: "hidden", Type: arrow.FixedSizeListOf(int32(hiddenSize), arrow.PrimitiveTypes.Float32)},
		}, nil),
	}
}

// Schema returns the fixed output schema.
func (b *RecordBatchBuilder) Schema() *arrow.Schema { return b.schema }

// Build converts hidden states, flattened (batchSize*seqLen x hiddenSize)
// row-major, into a record batch. The caller releases the result.
func (b *RecordBatchBuilder) Build(hidden []float32, batchSize, seqLen int) (arrow.RecordBatch, error) {
	rows := batchSize * seqLen
	if len(hidden) != rows*b.hiddenSize {
		return nil, fmt.Errorf("hidden buffer has %d values, want %d (batch %d x seq %d x %d)",
			len(hidden), rows*b.hiddenSize, batchSize, seqLen, b.hiddenSize)
	}

	seqBuilder := array.NewInt64Builder(b.mem)
	defer seqBuilder.Release()
	posBuilder := array.NewInt64Builder(b.mem)
	defer posBuilder.Release()
	hiddenBuilder := array.NewFixedSizeListBuilder(b.mem, int32(b.hiddenSize), arrow.PrimitiveTypes.Float32)
	defer hiddenBuilder.Release()
	valueBuilder := hiddenBuilder.ValueBuilder().(*array.Float32Builder)

	for s := 0; s < batchSize; s++ {
		for p := 0; p < seqLen; p++ {
			seqBuilder.Append(int64(s))
			posBuilder.Append(int64(p))
			hiddenBuilder.Append(true)
			row := (s*seqLen + p) * b.hiddenSize
			valueBuilder.AppendValues(hidden[row:row+b.hiddenSize], nil)
		}
	}

	seqArr := seqBuilder.NewArray()
	defer seqArr.Release()
	posArr := posBuilder.NewArray()
	defer posArr.Release()
	hiddenArr := hiddenBuilder.NewArray()
	defer hiddenArr.Release()

	return array.NewRecordBatch(b.schema, []arrow.Array{seqArr, posArr, hiddenArr}, int64(rows)), nil
}
