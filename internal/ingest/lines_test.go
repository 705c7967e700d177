package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

func TestDecodeLines_CSV(t *testing.T) {
	payload := "Name, Quantity ,Unit,Price,Purchase_Date,Confidence,extra\n" +
		"Oat Milk,2,carton,$3.50,2024-03-01,0.9,ignored\n" +
		"Bread,two,,,,,\n" +
		"Eggs,12,ea,4,03/02/2024,,\n"

	lines, err := DecodeLines(model.FormatCSV, []byte(payload))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	first := lines[0]
	assert.Equal(t, 1, first.Number)
	assert.Empty(t, first.Err)
	assert.InDelta(t, 0.9, first.Confidence, 1e-9)
	require.NotNil(t, first.Extracted)
	assert.Equal(t, "Oat Milk", first.Extracted.Name)
	assert.InDelta(t, 2.0, first.Extracted.Quantity, 1e-9)
	assert.InDelta(t, 3.5, first.Extracted.Price, 1e-9)
	require.NotNil(t, first.Extracted.PurchaseDate)
	assert.Equal(t, "2024-03-01", first.Extracted.PurchaseDate.Format("2006-01-02"))

	assert.Contains(t, lines[1].Err, "quantity")
	assert.Zero(t, lines[1].Confidence)

	// Without a confidence value the line is trusted.
	assert.InDelta(t, 1.0, lines[2].Confidence, 1e-9)
	assert.Equal(t, "2024-03-02", lines[2].Extracted.PurchaseDate.Format("2006-01-02"))
}

func TestDecodeLines_JSONL(t *testing.T) {
	payload := `{"raw_text":"WHL MLK 1GAL","extracted":{"name":"whole milk","quantity":1,"unit":"gal"},"confidence":0.93}

{"raw_text":"???"}
not json
`
	lines, err := DecodeLines(model.FormatJSONL, []byte(payload))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, "WHL MLK 1GAL", lines[0].RawText)
	assert.Equal(t, "whole milk", lines[0].Extracted.Name)
	assert.InDelta(t, 0.93, lines[0].Confidence, 1e-9)

	// A record without a confidence is not trusted.
	assert.Empty(t, lines[1].Err)
	assert.Zero(t, lines[1].Confidence)
	assert.Equal(t, 2, lines[1].Number)

	assert.Contains(t, lines[2].Err, "invalid JSON")
	assert.Equal(t, 3, lines[2].Number)
}

func TestDecodeLines_Unusable(t *testing.T) {
	tests := []struct {
		name    string
		format  model.InputFormat
		payload string
	}{
		{name: "empty", format: model.FormatCSV, payload: "  \n"},
		{name: "unknown format", format: "xml", payload: "<a/>"},
		{name: "no usable columns", format: model.FormatCSV, payload: "sku,qty\n1,2\n"},
		{name: "header only", format: model.FormatCSV, payload: "name\n"},
		{name: "broken header", format: model.FormatCSV, payload: "\"name\nEggs\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLines(tt.format, []byte(tt.payload))
			assert.ErrorIs(t, err, common.ErrUnparseableInput)
		})
	}
}

func TestDecodeLines_CSVRejectsNonFiniteNumbers(t *testing.T) {
	payload := "name,quantity,price,confidence\n" +
		"Eggs,1,2,NaN\n" +
		"Bread,1,2,+Inf\n" +
		"Milk,Inf,2,0.9\n" +
		"Rice,1,NaN,0.9\n" +
		"Beans,-infinity,1,0.9\n" +
		"Oats,1,2,0.9\n"

	lines, err := DecodeLines(model.FormatCSV, []byte(payload))
	require.NoError(t, err)
	require.Len(t, lines, 6)

	assert.Contains(t, lines[0].Err, "confidence")
	assert.Contains(t, lines[1].Err, "confidence")
	assert.Contains(t, lines[2].Err, "quantity")
	assert.Contains(t, lines[3].Err, "price")
	assert.Contains(t, lines[4].Err, "quantity")
	for _, line := range lines[:5] {
		assert.Zero(t, line.Confidence, "line %d", line.Number)
	}

	assert.Empty(t, lines[5].Err)
	assert.InDelta(t, 0.9, lines[5].Confidence, 1e-9)
}

func TestDecodeLines_CSVBrokenRecordIsOneLine(t *testing.T) {
	payload := "name,price\nEggs,1\nBr\"ead,2\nMilk,3\n"

	lines, err := DecodeLines(model.FormatCSV, []byte(payload))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Empty(t, lines[0].Err)
	assert.Equal(t, 2, lines[1].Number)
	assert.Contains(t, lines[1].Err, "unreadable record")
	assert.Nil(t, lines[1].Extracted)
	assert.Empty(t, lines[2].Err)
	assert.Equal(t, 3, lines[2].Number)
	assert.Equal(t, "Milk", lines[2].Extracted.Name)

	lines, err = DecodeLines(model.FormatCSV, []byte("name\n\"unterminated\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Err, "unreadable record")
}

func TestDecodeLines_JSONLRejectsNegativeNumbers(t *testing.T) {
	payload := `{"raw_text":"EGGS","extracted":{"name":"eggs","quantity":-2},"confidence":0.9}
{"raw_text":"MILK","extracted":{"name":"milk","price":-1},"confidence":0.9}
{"raw_text":"RICE","confidence":1.5}
`
	lines, err := DecodeLines(model.FormatJSONL, []byte(payload))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Contains(t, lines[0].Err, "-2")
	assert.Contains(t, lines[1].Err, "-1")
	assert.Contains(t, lines[2].Err, "confidence")
	for _, line := range lines {
		assert.Zero(t, line.Confidence, "line %d", line.Number)
	}
}
