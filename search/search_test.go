package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWeight(t *testing.T) {
	w, err := ParseWeight("b")
	require.NoError(t, err)
	require.Equal(t, WeightB, w)
	require.Equal(t, 1, w.Rank())

	_, err = ParseWeight("E")
	require.Error(t, err)
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{
			name: "valid",
			spec: Spec{Table: "package", Fields: []Field{{"name", WeightA}, {"title", WeightB}}},
		},
		{
			name:    "no fields",
			spec:    Spec{Table: "package"},
			wantErr: true,
		},
		{
			name:    "bad weight",
			spec:    Spec{Table: "package", Fields: []Field{{"name", "Z"}}},
			wantErr: true,
		},
		{
			name:    "duplicate column",
			spec:    Spec{Table: "package", Fields: []Field{{"name", WeightA}, {"name", WeightB}}},
			wantErr: true,
		},
		{
			name:    "feeds itself",
			spec:    Spec{Table: "package", Fields: []Field{{"search_vector", WeightA}}},
			wantErr: true,
		},
		{
			name:    "bad table",
			spec:    Spec{Table: "package; drop", Fields: []Field{{"name", WeightA}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseFields(t *testing.T) {
	fields, err := ParseFields([]string{"name:A", "title:b", "short_desc:C"})
	require.NoError(t, err)
	require.Equal(t, []Field{{"name", WeightA}, {"title", WeightB}, {"short_desc", WeightC}}, fields)

	_, err = ParseFields([]string{"name"})
	require.Error(t, err)
}

func TestDocument(t *testing.T) {
	fields := []Field{{"name", WeightA}, {"title", WeightB}, {"desc", WeightC}}

	doc := Document(fields, map[string]string{
		"name":  "  Mesecons ",
		"title": "Digital Circuitry",
	})
	require.Equal(t, "A:mesecons B:digital circuitry C:", doc)

	// Only listed columns count, in listed order.
	other := Document(fields, map[string]string{
		"desc":    "Wires",
		"title":   "Digital Circuitry",
		"name":    "mesecons",
		"ignored": "anything",
	})
	require.Equal(t, "A:mesecons B:digital circuitry C:wires", other)
}
