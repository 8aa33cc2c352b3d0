package sqlbase

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONB(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected any
	}{
		{name: "nil", value: nil, expected: nil},
		{name: "empty raw message", value: json.RawMessage{}, expected: nil},
		{name: "raw message", value: json.RawMessage(`{"a":1}`), expected: []byte(`{"a":1}`)},
		{name: "empty map", value: map[string]string{}, expected: nil},
		{name: "empty slice", value: []string{}, expected: nil},
		{name: "map", value: map[string]string{"k": "v"}, expected: []byte(`{"k":"v"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JSONB(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestScanJSONB(t *testing.T) {
	dest := map[string]int{"keep": 1}
	require.NoError(t, ScanJSONB(nil, &dest))
	assert.Equal(t, map[string]int{"keep": 1}, dest)

	var decoded map[string]int
	require.NoError(t, ScanJSONB([]byte(`{"a":2}`), &decoded))
	assert.Equal(t, 2, decoded["a"])

	assert.Error(t, ScanJSONB([]byte(`{`), &decoded))
}

func TestNullableConversions(t *testing.T) {
	now := time.Now().UTC()
	assert.Nil(t, TimePtr(NullTime(nil)))
	assert.True(t, now.Equal(*TimePtr(NullTime(&now))))

	code := -1
	assert.Nil(t, IntPtr(NullInt(nil)))
	assert.Equal(t, -1, *IntPtr(NullInt(&code)))

	flag := true
	assert.Nil(t, BoolPtr(NullBool(nil)))
	assert.True(t, *BoolPtr(NullBool(&flag)))
	assert.Equal(t, sql.NullBool{Bool: true, Valid: true}, NullBool(&flag))

	assert.Nil(t, RawJSON(nil))
	assert.JSONEq(t, `{"x":true}`, string(RawJSON([]byte(`{"x":true}`))))
}
