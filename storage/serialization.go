// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/casevault/core"
)

// recordVersion prefixes every encoded record so layouts can evolve.
const recordVersion byte = 1

// codec is the method set shared by mus-go serializers.
type codec[T any] interface {
	Marshal(v T, bs []byte) (n int)
	Unmarshal(bs []byte) (v T, n int, err error)
	Size(v T) (size int)
}

type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: []byte{recordVersion}}
}

func put[T any](e *encoder, c codec[T], v T) {
	n := c.Size(v)
	e.buf = slices.Grow(e.buf, n)
	l := len(e.buf)
	e.buf = e.buf[:l+n]
	c.Marshal(v, e.buf[l:])
}

func (e *encoder) uint64(v uint64)  { put(e, varint.Uint64, v) }
func (e *encoder) uint32(v uint32)  { put(e, varint.Uint32, v) }
func (e *encoder) int(v int)        { put(e, varint.Int64, int64(v)) }
func (e *encoder) string(v string)  { put(e, ord.String, v) }
func (e *encoder) time(v time.Time) { put(e, varint.Int64, v.UnixMicro()) }

func (e *encoder) strings(vs []string) {
	e.int(len(vs))
	for _, v := range vs {
		e.string(v)
	}
}

func (e *encoder) float32s(vs []float32) {
	e.int(len(vs))
	for _, v := range vs {
		e.uint32(math.Float32bits(v))
	}
}

func (e *encoder) ints(vs []int) {
	e.int(len(vs))
	for _, v := range vs {
		e.int(v)
	}
}

// metadata is written in key order so equal maps encode identically.
func (e *encoder) metadata(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e.int(len(keys))
	for _, k := range keys {
		e.string(k)
		e.string(m[k])
	}
}

type decoder struct {
	buf []byte
	err error
}

func newDecoder(data []byte) *decoder {
	d := &decoder{}
	switch {
	case len(data) == 0:
		d.err = ErrTruncatedData
	case data[0] != recordVersion:
		d.err = fmt.Errorf("%w: unknown record version %d", ErrSerializationFailed, data[0])
	default:
		d.buf = data[1:]
	}
	return d
}

func get[T any](d *decoder, c codec[T]) T {
	var zero T
	if d.err != nil {
		return zero
	}
	v, n, err := c.Unmarshal(d.buf)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
		return zero
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) uint64() uint64  { return get(d, varint.Uint64) }
func (d *decoder) uint32() uint32  { return get(d, varint.Uint32) }
func (d *decoder) int() int        { return int(get(d, varint.Int64)) }
func (d *decoder) string() string  { return get(d, ord.String) }
func (d *decoder) time() time.Time { return time.UnixMicro(get(d, varint.Int64)).UTC() }

// length reads a collection length and rejects values the remaining bytes cannot hold.
func (d *decoder) length() int {
	n := d.int()
	if d.err == nil && (n < 0 || n > len(d.buf)) {
		d.err = ErrTruncatedData
		return 0
	}
	return n
}

func (d *decoder) strings() []string {
	n := d.length()
	if n == 0 {
		return nil
	}
	vs := make([]string, n)
	for i := range vs {
		vs[i] = d.string()
	}
	return vs
}

func (d *decoder) float32s() []float32 {
	n := d.length()
	if n == 0 {
		return nil
	}
	vs := make([]float32, n)
	for i := range vs {
		vs[i] = math.Float32frombits(d.uint32())
	}
	return vs
}

func (d *decoder) ints() []int {
	n := d.length()
	if n == 0 {
		return nil
	}
	vs := make([]int, n)
	for i := range vs {
		vs[i] = d.int()
	}
	return vs
}

func (d *decoder) metadata() map[string]string {
	n := d.length()
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for range n {
		k := d.string()
		m[k] = d.string()
	}
	return m
}

// MarshalID serializes an ID to bytes.
func MarshalID(id core.ID) []byte {
	buf := make([]byte, varint.Uint64.Size(uint64(id)))
	varint.Uint64.Marshal(uint64(id), buf)
	return buf
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	id, _, err := varint.Uint64.Unmarshal(data)
	return core.ID(id), err
}

// MarshalOpinion serializes an Opinion, including its lexical vector, to bytes.
func MarshalOpinion(opinion *core.Opinion) []byte {
	e := newEncoder()
	e.uint64(uint64(opinion.Id))
	e.string(opinion.Source)
	e.string(opinion.SourceID)
	e.string(opinion.CaseName)
	e.string(opinion.Court)
	e.string(opinion.CourtFullName)
	e.time(opinion.DateFiled)
	e.string(opinion.DocketNumber)
	e.strings(opinion.Citations)
	e.string(opinion.CaseCategory)
	e.string(opinion.OpinionType)
	e.string(opinion.Text)
	e.string(opinion.Summary)
	e.string(opinion.Outcome)
	e.strings(opinion.Judges)
	e.strings(opinion.Statutes)
	e.strings(opinion.Tags)
	e.metadata(opinion.Metadata)
	e.int(len(opinion.Lexical))
	for _, tf := range opinion.Lexical {
		e.string(tf.Term)
		e.uint32(tf.A)
		e.uint32(tf.B)
		e.uint32(tf.C)
	}
	e.time(opinion.InsertedAt)
	e.time(opinion.UpdatedAt)
	return e.buf
}

// UnmarshalOpinion deserializes an Opinion from bytes.
func UnmarshalOpinion(data []byte) (*core.Opinion, error) {
	d := newDecoder(data)
	o := &core.Opinion{}
	o.Id = core.ID(d.uint64())
	o.Source = d.string()
	o.SourceID = d.string()
	o.CaseName = d.string()
	o.Court = d.string()
	o.CourtFullName = d.string()
	o.DateFiled = d.time()
	o.DocketNumber = d.string()
	o.Citations = d.strings()
	o.CaseCategory = d.string()
	o.OpinionType = d.string()
	o.Text = d.string()
	o.Summary = d.string()
	o.Outcome = d.string()
	o.Judges = d.strings()
	o.Statutes = d.strings()
	o.Tags = d.strings()
	o.Metadata = d.metadata()
	if n := d.length(); n > 0 {
		o.Lexical = make(core.LexicalVector, n)
		for i := range o.Lexical {
			o.Lexical[i] = core.TermFreq{Term: d.string(), A: d.uint32(), B: d.uint32(), C: d.uint32()}
		}
	}
	o.InsertedAt = d.time()
	o.UpdatedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return o, nil
}

// MarshalChunk serializes a Chunk to bytes.
func MarshalChunk(chunk *core.Chunk) []byte {
	e := newEncoder()
	e.uint64(uint64(chunk.OpinionID))
	e.string(chunk.Model)
	e.int(chunk.Index)
	e.string(chunk.Text)
	e.float32s(chunk.Vector)
	e.time(chunk.InsertedAt)
	return e.buf
}

// UnmarshalChunk deserializes a Chunk from bytes.
func UnmarshalChunk(data []byte) (*core.Chunk, error) {
	d := newDecoder(data)
	c := &core.Chunk{
		OpinionID: core.ID(d.uint64()),
		Model:     d.string(),
		Index:     d.int(),
		Text:      d.string(),
		Vector:    d.float32s(),
	}
	c.InsertedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

// MarshalStatus serializes an EmbeddingStatus to bytes.
func MarshalStatus(status *core.EmbeddingStatus) []byte {
	e := newEncoder()
	e.uint64(uint64(status.OpinionID))
	e.string(status.Model)
	e.int(int(status.State))
	e.uint64(status.Fingerprint)
	e.int(status.ChunkCount)
	e.ints(status.FailedChunks)
	e.int(status.Attempts)
	e.string(status.LastError)
	e.time(status.UpdatedAt)
	return e.buf
}

// UnmarshalStatus deserializes an EmbeddingStatus from bytes.
func UnmarshalStatus(data []byte) (*core.EmbeddingStatus, error) {
	d := newDecoder(data)
	s := &core.EmbeddingStatus{
		OpinionID: core.ID(d.uint64()),
		Model:     d.string(),
		State:     core.EmbeddingState(d.int()),
	}
	s.Fingerprint = d.uint64()
	s.ChunkCount = d.int()
	s.FailedChunks = d.ints()
	s.Attempts = d.int()
	s.LastError = d.string()
	s.UpdatedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return s, nil
}

// Posting is the value stored per (term, opinion) in the lexical index.
// DateFiled is carried so ranking ties resolve without loading the record.
type Posting struct {
	A, B, C   uint32
	DateFiled time.Time
}

// MarshalPosting serializes a Posting to bytes.
func MarshalPosting(p Posting) []byte {
	e := newEncoder()
	e.uint32(p.A)
	e.uint32(p.B)
	e.uint32(p.C)
	e.time(p.DateFiled)
	return e.buf
}

// UnmarshalPosting deserializes a Posting from bytes.
func UnmarshalPosting(data []byte) (Posting, error) {
	d := newDecoder(data)
	p := Posting{A: d.uint32(), B: d.uint32(), C: d.uint32()}
	p.DateFiled = d.time()
	return p, d.err
}
