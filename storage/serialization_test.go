package storage

import (
	"testing"
	"time"

	"github.com/poiesic/casevault/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalID(t *testing.T) {
	tests := []struct {
		name string
		id   core.ID
	}{
		{"zero ID", core.ID(0)},
		{"small ID", core.ID(42)},
		{"large ID", core.ID(18446744073709551615)}, // max uint64
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalID(tt.id)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalID(data)
			require.NoError(t, err)
			assert.Equal(t, tt.id, decoded)
		})
	}
}

func TestUnmarshalID_Invalid(t *testing.T) {
	_, err := UnmarshalID([]byte{})
	assert.Error(t, err)
}

func TestMarshalUnmarshalOpinion(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	opinion := &core.Opinion{
		Id:            7,
		Source:        "courtlistener",
		SourceID:      "12345",
		CaseName:      "Smith v. State",
		Court:         "texapp",
		CourtFullName: "Court of Appeals of Texas",
		DateFiled:     time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC),
		DocketNumber:  "05-20-00001-CR",
		Citations:     []string{"601 S.W.3d 1"},
		CaseCategory:  core.CaseCategoryDWI,
		OpinionType:   core.OpinionTypeMajority,
		Text:          "The officer administered a field sobriety test.",
		Summary:       "Conviction affirmed.",
		Outcome:       "affirmed",
		Judges:        []string{"Doe", "Roe"},
		Statutes:      []string{"§ 49.04"},
		Tags:          []string{"evidence"},
		Metadata:      map[string]string{"b": "2", "a": "1"},
		Lexical:       core.LexicalVector{{Term: "field", C: 1}, {Term: "smith", A: 1}},
		InsertedAt:    now,
		UpdatedAt:     now,
	}

	decoded, err := UnmarshalOpinion(MarshalOpinion(opinion))
	require.NoError(t, err)
	assert.Equal(t, opinion, decoded)
}

func TestMarshalOpinion_Deterministic(t *testing.T) {
	a := &core.Opinion{CaseName: "x", Court: "y", Metadata: map[string]string{"a": "1", "b": "2", "c": "3"}}
	b := &core.Opinion{CaseName: "x", Court: "y", Metadata: map[string]string{"c": "3", "b": "2", "a": "1"}}
	assert.Equal(t, MarshalOpinion(a), MarshalOpinion(b))
}

func TestMarshalOpinion_ZeroTimes(t *testing.T) {
	decoded, err := UnmarshalOpinion(MarshalOpinion(&core.Opinion{CaseName: "x", Court: "y"}))
	require.NoError(t, err)
	assert.True(t, decoded.DateFiled.IsZero())
	assert.True(t, decoded.InsertedAt.IsZero())
	assert.Nil(t, decoded.Citations)
	assert.Nil(t, decoded.Metadata)
}

func TestMarshalUnmarshalChunk(t *testing.T) {
	chunk := &core.Chunk{
		OpinionID:  3,
		Model:      "nomic-embed-text",
		Index:      2,
		Text:       "chunk text",
		Vector:     []float32{0.25, -0.5, 1},
		InsertedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	decoded, err := UnmarshalChunk(MarshalChunk(chunk))
	require.NoError(t, err)
	assert.Equal(t, chunk, decoded)
}

func TestMarshalUnmarshalStatus(t *testing.T) {
	status := &core.EmbeddingStatus{
		OpinionID:    3,
		Model:        "m",
		State:        core.EmbeddingFailed,
		Fingerprint:  core.Fingerprint("text"),
		ChunkCount:   5,
		FailedChunks: []int{1, 4},
		Attempts:     3,
		LastError:    "timeout",
		UpdatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}

	decoded, err := UnmarshalStatus(MarshalStatus(status))
	require.NoError(t, err)
	assert.Equal(t, status, decoded)
}

func TestMarshalUnmarshalPosting(t *testing.T) {
	p := Posting{A: 1, B: 0, C: 7, DateFiled: time.Date(1960, 1, 2, 0, 0, 0, 0, time.UTC)}
	decoded, err := UnmarshalPosting(MarshalPosting(p))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestUnmarshal_Corrupt(t *testing.T) {
	data := MarshalOpinion(&core.Opinion{CaseName: "Smith v. State", Court: "texapp"})

	t.Run("empty", func(t *testing.T) {
		_, err := UnmarshalOpinion(nil)
		assert.ErrorIs(t, err, ErrTruncatedData)
	})

	t.Run("unknown version", func(t *testing.T) {
		bad := append([]byte{99}, data[1:]...)
		_, err := UnmarshalOpinion(bad)
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := UnmarshalOpinion(data[:len(data)/2])
		assert.Error(t, err)
	})
}
